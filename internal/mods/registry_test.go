package mods

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

type echoMod struct {
	BaseMod
	initialized bool
}

func (m *echoMod) Initialize() error { m.initialized = true; return nil }

type echoAdapter struct {
	BaseAdapter
}

func writeManifest(t *testing.T, root, mod, body string) {
	t.Helper()
	dir := filepath.Join(root, mod)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "mod_manifest.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	return NewRegistry(root, slog.New(slog.NewTextHandler(io.Discard, nil))), root
}

func TestLoadServerFromManifest(t *testing.T) {
	r, root := newTestRegistry(t)
	writeManifest(t, root, "echo", "server_mod: echo_server\nrequires_adapter: true\n")
	r.RegisterServerFactory("echo", "echo_server", func() ServerMod { return &echoMod{} })

	m, lerr := r.LoadServer("echo")
	if lerr != nil {
		t.Fatalf("LoadServer: %v", lerr)
	}
	if m == nil {
		t.Fatal("LoadServer returned nil mod")
	}
	if !r.Known("echo") {
		t.Fatal("loaded mod not known")
	}

	infos := r.List()
	if len(infos) != 1 || infos[0].Name != "echo" || !infos[0].RequiresAdapter {
		t.Fatalf("List = %+v", infos)
	}
}

func TestLoadServerMissingManifest(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.RegisterServerFactory("ghost", "server", func() ServerMod { return &echoMod{} })

	_, lerr := r.LoadServer("ghost")
	if lerr == nil {
		t.Fatal("LoadServer succeeded without a manifest")
	}
	if !errors.Is(lerr, ErrManifestMissing) {
		t.Fatalf("error = %v, want ErrManifestMissing", lerr)
	}
}

func TestLoadServerConventionalFallback(t *testing.T) {
	r, root := newTestRegistry(t)
	// Manifest names a factory that was never registered; the conventional
	// name still resolves.
	writeManifest(t, root, "echo", "server_mod: renamed_factory\n")
	r.RegisterServerFactory("echo", "server", func() ServerMod { return &echoMod{} })

	if _, lerr := r.LoadServer("echo"); lerr != nil {
		t.Fatalf("LoadServer: %v", lerr)
	}
}

func TestLoadServerUnknownFactory(t *testing.T) {
	r, root := newTestRegistry(t)
	writeManifest(t, root, "echo", "server_mod: nope\n")

	_, lerr := r.LoadServer("echo")
	if lerr == nil {
		t.Fatal("LoadServer resolved an unregistered factory")
	}
	if !errors.Is(lerr, ErrFactoryUnknown) {
		t.Fatalf("error = %v, want ErrFactoryUnknown", lerr)
	}
}

func TestLoadAllContinuesPastFailures(t *testing.T) {
	r, root := newTestRegistry(t)
	writeManifest(t, root, "good", "server_mod: server\n")
	r.RegisterServerFactory("good", "server", func() ServerMod { return &echoMod{} })

	errs := r.LoadAll([]string{"missing", "good"})
	if len(errs) != 1 || errs[0].Mod != "missing" {
		t.Fatalf("errs = %+v", errs)
	}
	if !r.Known("good") {
		t.Fatal("good mod not loaded after a sibling failure")
	}
}

func TestLoadAdapter(t *testing.T) {
	r, root := newTestRegistry(t)
	writeManifest(t, root, "echo", "adapter: echo_adapter\nrequires_adapter: true\n")
	r.RegisterAdapterFactory("echo", "echo_adapter", func() Adapter { return &echoAdapter{} })

	a, lerr := r.LoadAdapter("echo")
	if lerr != nil {
		t.Fatalf("LoadAdapter: %v", lerr)
	}
	if a == nil {
		t.Fatal("LoadAdapter returned nil")
	}

	// Adapters are not retained on the registry.
	if r.Known("echo") {
		t.Fatal("adapter load registered a server mod")
	}
}

func TestEachVisitsInLoadOrder(t *testing.T) {
	r, root := newTestRegistry(t)
	for _, mod := range []string{"one", "two", "three"} {
		writeManifest(t, root, mod, "server_mod: server\n")
		r.RegisterServerFactory(mod, "server", func() ServerMod { return &echoMod{} })
	}
	if errs := r.LoadAll([]string{"one", "two", "three"}); len(errs) != 0 {
		t.Fatalf("LoadAll: %+v", errs)
	}

	var got []string
	r.Each(func(name string, _ ServerMod) { got = append(got, name) })
	want := []string{"one", "two", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Each order = %v, want %v", got, want)
		}
	}
}
