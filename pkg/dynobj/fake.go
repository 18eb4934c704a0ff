package dynobj

import "context"

// Fake is an in-memory Registry used by pkg/crossaz tests and by the
// preflight map rebuild, which must not touch real dynamic objects.
type Fake struct {
	Objects map[string]string
}

func NewFake() *Fake {
	return &Fake{Objects: map[string]string{}}
}

func (f *Fake) Create(ctx context.Context, name, ip string) error {
	f.Objects[name] = ip
	return nil
}

func (f *Fake) Delete(ctx context.Context, name string) error {
	delete(f.Objects, name)
	return nil
}

func (f *Fake) List(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(f.Objects))
	for k, v := range f.Objects {
		out[k] = v
	}
	return out, nil
}
