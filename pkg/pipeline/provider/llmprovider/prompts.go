package llmprovider

type prompt struct {
	system string
	user   string
}

const jsonOnly = "Answer with a single JSON object and nothing else. Do not wrap it in prose."

var extractPrompt = prompt{
	system: "You map observability questions to Prometheus metrics. " + jsonOnly,
	user: `For each request below suggest the Prometheus metrics most likely to answer it
and the labels worth filtering or grouping on.

Requests:
${requests}

Rules:
- At most 5 metric names and at most 3 labels per request.
- Only suggest metric names that exist in common exporters (node, cAdvisor,
  kube-state-metrics, application client libraries). Never invent names.
- Labels must be labels those metrics actually carry.
- Prefer metrics that match the intent over listing many.

Respond with:
{
  "data": [
    {
      "query": "<request text>",
      "datasource": "<datasource name>",
      "metrics": ["<metric>"],
      "related_metrics_labels": ["<label>"]
    }
  ]
}`,
}

var metricQueryPrompt = prompt{
	system: "You write PromQL for engineers who run Prometheus. " + jsonOnly,
	user: `Write one PromQL query per input item.

Input:
${input}

Rules:
- Use only the metrics in mandatory_similar_metrics.
- Filter or group only by labels listed for that metric in
  mandatory_corresponding_metrics_labels.
- Keep the query minimal and correct. Use rate() over counters with a [5m] range.
- Copy mandatory_datasource_uuid and userquery through unchanged.

Examples:
  count(container_memory_usage_bytes) by (container_name)
  topk(1, sum by (container_name) (rate(container_cpu_usage_seconds_total[5m])))
  redis_connected_clients

Respond with:
{
  "result": [
    {
      "mandatory_datasource_uuid": "<uid>",
      "userquery": "<request text>",
      "query": "<PromQL>"
    }
  ]
}`,
}

var relationalQueryPrompt = prompt{
	system: "You write PostgreSQL queries for dashboard panels. " + jsonOnly,
	user: `Write a single read-only SQL SELECT statement that answers the request.

Request: ${query}
Datasource UID: ${datasource}

Schema:
${schema}

Rules:
- Use only tables and columns from the schema above.
- Never modify data. No INSERT, UPDATE, DELETE or DDL.
- Alias aggregate columns with readable names.
- For time series, select the time column as "time" and order by it.

Respond with:
{
  "result": [
    {
      "mandatory_datasource_uuid": "${datasource}",
      "userquery": "<request text>",
      "query": "<SQL>"
    }
  ]
}`,
}

var dashboardPrompt = prompt{
	system: "You build Grafana 9 dashboard JSON. " + jsonOnly,
	user: `Build one dashboard with exactly one panel per query below.

Queries:
${queries}

Dashboard shape:
{
  "title": "<short descriptive title>",
  "uid": "${uid}",
  "panels": [
    {
      "type": "timeseries|piechart|table|gauge|bargauge|stat",
      "title": "<unique panel title>",
      "datasource": {"type": "<prometheus|postgres>", "uid": "<mandatory_datasource_uuid>"},
      "targets": [
        {"refId": "A", "expr": "<PromQL>", "format": "time_series", "legendFormat": "{{label}}"}
      ],
      "options": {},
      "fieldConfig": {"defaults": {"unit": "short"}, "overrides": []}
    }
  ]
}

Choosing a panel type:
- timeseries for values over time, such as rate(...) expressions.
- piechart for a breakdown by category, with target format "table" and options.pieType "donut".
- gauge for one number with thresholds, with thresholds in fieldConfig.defaults.
- bargauge to compare a handful of series, such as topk(...).
- stat for one headline number.
- table for row data.

Rules:
- Each panel's datasource uid must be the mandatory_datasource_uuid of its query.
- Prometheus targets put the query in "expr". Postgres targets put it in
  "rawSql" with "rawQuery": true and "format": "table".
- Panel titles must be unique.`,
}
