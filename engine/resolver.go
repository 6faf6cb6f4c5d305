package engine

// Resolver routes a URL to the first capable engine. Registration order is
// significant: the most specific site engines must come before generic ones,
// since a generic engine's CanHandle deliberately matches broadly. The
// fallback chain (gallery, stream, universal) is consulted only when no
// registered engine matches.
//
// The registry is built explicitly at startup — no self-registration, no
// import-order side effects.
type Resolver struct {
	engines  []Engine
	fallback []Engine
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Register appends engines to the priority-ordered list.
func (r *Resolver) Register(engines ...Engine) {
	r.engines = append(r.engines, engines...)
}

// Fallback sets the generic chain tried after every registered engine, in
// the order given (conventionally gallery, stream, universal).
func (r *Resolver) Fallback(engines ...Engine) {
	r.fallback = append(r.fallback, engines...)
}

// Resolve returns the first engine whose CanHandle accepts url, or nil when
// the URL is unsupported. No network I/O happens here.
func (r *Resolver) Resolve(url string) Engine {
	for _, e := range r.engines {
		if e.CanHandle(url) {
			return e
		}
	}
	for _, e := range r.fallback {
		if e.CanHandle(url) {
			return e
		}
	}
	return nil
}

// Names lists every registered and fallback engine in resolution order.
func (r *Resolver) Names() []string {
	names := make([]string, 0, len(r.engines)+len(r.fallback))
	for _, e := range r.engines {
		names = append(names, e.Name())
	}
	for _, e := range r.fallback {
		names = append(names, e.Name())
	}
	return names
}
