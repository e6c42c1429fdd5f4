// Package registry maps names to values, typically constructors chosen by a
// configuration key.
//
//	openers := registry.New[func() (Store, error)]("checkpoint backend")
//	openers.Register("memory", openMemory)
//	open, err := openers.Lookup(cfg.Backend)
//
// Lookup of an unknown name returns an *UnknownError listing the registered
// names, which makes a useful configuration error as is. All methods are safe
// for concurrent use.
package registry
