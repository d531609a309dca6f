package cas

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
	"github.com/openfroyo/hermit/pkg/transports/ssh"
	"github.com/openfroyo/hermit/pkg/transports/ssh/sshtest"
)

func newDisk(t *testing.T) *DiskStore {
	t.Helper()
	s, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}
	return s
}

// exerciseStore runs the common contract against any Store.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	d, err := PutBytes(ctx, s, []byte("hello"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if d != digest.FromString("hello") {
		t.Errorf("expected digest of content, got %s", d)
	}

	ok, err := s.Has(ctx, d)
	if err != nil || !ok {
		t.Errorf("expected Has=true, got %v (%v)", ok, err)
	}

	data, err := Get(ctx, s, d)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}

	info, err := s.Stat(ctx, d)
	if err != nil || info.Size != 5 {
		t.Errorf("expected size 5, got %+v (%v)", info, err)
	}

	again, err := PutBytes(ctx, s, []byte("hello"))
	if err != nil || again != d {
		t.Errorf("expected idempotent put, got %s (%v)", again, err)
	}

	missing := digest.FromString("absent")
	if ok, _ := s.Has(ctx, missing); ok {
		t.Error("expected Has=false for absent content")
	}
	if _, err := s.Open(ctx, missing); !execerr.IsContentMissing(err) {
		t.Errorf("expected ContentMissing, got %v", err)
	}
}

func TestDiskStoreContract(t *testing.T) {
	exerciseStore(t, newDisk(t))
}

func TestMemoryStoreContract(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestTieredStoreContract(t *testing.T) {
	exerciseStore(t, NewTieredStore(newDisk(t), NewMemoryStore()))
}

func TestRemoteStoreContract(t *testing.T) {
	server := sshtest.NewServer(t)
	client, err := ssh.NewClient(server.ClientConfig())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	exerciseStore(t, NewRemoteStore(client, t.TempDir(), zerolog.Nop()))
}

func TestRemoteStoreUnavailable(t *testing.T) {
	cfg := ssh.DefaultConfig("127.0.0.1", "nobody")
	cfg.Port = 1
	cfg.Auth = ssh.AuthMethodPassword
	cfg.Password = "x"
	cfg.StrictHostKeys = false
	client, err := ssh.NewClient(cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	s := NewRemoteStore(client, "/tmp/none", zerolog.Nop())
	if _, err := s.Has(context.Background(), digest.FromString("x")); !execerr.IsStoreUnavailable(err) {
		t.Errorf("expected StoreUnavailable, got %v", err)
	}
}

func TestDiskStoreLayoutAndReadOnly(t *testing.T) {
	s := newDisk(t)
	ctx := context.Background()
	d, err := PutBytes(ctx, s, []byte("blob"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	p, err := s.Path(ctx, d, false)
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	want := filepath.Join(s.Root(), "content", "sha256", d.String()[:2], d.String())
	if p != want {
		t.Errorf("expected %s, got %s", want, p)
	}
	fi, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm()&0o222 != 0 {
		t.Errorf("expected read-only blob, got %v", fi.Mode())
	}

	ep, err := s.Path(ctx, d, true)
	if err != nil {
		t.Fatalf("Path(executable) failed: %v", err)
	}
	efi, err := os.Stat(ep)
	if err != nil {
		t.Fatal(err)
	}
	if efi.Mode().Perm()&0o111 == 0 {
		t.Errorf("expected executable variant, got %v", efi.Mode())
	}
	if os.SameFile(fi, efi) {
		t.Error("executable variant must be a distinct inode")
	}
}

func TestDiskStoreConcurrentPuts(t *testing.T) {
	s := newDisk(t)
	ctx := context.Background()
	content := bytes.Repeat([]byte("x"), 1<<16)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := PutBytes(ctx, s, content); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent put failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(s.Root(), "tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no leftover temp files, got %d", len(entries))
	}
}

func TestPutCanceled(t *testing.T) {
	s := newDisk(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Put(ctx, strings.NewReader("data")); err == nil {
		t.Error("expected canceled put to fail")
	}
}

func TestTieredStoreReadThrough(t *testing.T) {
	local := newDisk(t)
	remote := NewMemoryStore()
	ctx := context.Background()

	d, err := PutBytes(ctx, remote, []byte("remote only"))
	if err != nil {
		t.Fatal(err)
	}
	tiered := NewTieredStore(local, remote)

	p, err := tiered.Path(ctx, d, false)
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	data, err := os.ReadFile(p)
	if err != nil || string(data) != "remote only" {
		t.Errorf("expected fetched content, got %q (%v)", data, err)
	}
	if ok, _ := local.Has(ctx, d); !ok {
		t.Error("expected content cached locally")
	}

	d2, err := PutBytes(ctx, tiered, []byte("both"))
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := remote.Has(ctx, d2); !ok {
		t.Error("expected write-through to remote")
	}
}

func TestInstrumentedCounts(t *testing.T) {
	var observed []Op
	s := NewInstrumented(newDisk(t), func(op Op, _ int64) { observed = append(observed, op) })
	ctx := context.Background()

	d, _ := PutBytes(ctx, s, []byte("a"))
	if _, err := s.Path(ctx, d, false); err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	if _, err := Get(ctx, s, d); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.Puts() != 1 || s.Reads() != 2 {
		t.Errorf("expected 1 put and 2 reads, got %d and %d", s.Puts(), s.Reads())
	}
	if len(observed) != 3 {
		t.Errorf("expected 3 observed ops, got %v", observed)
	}

	s.Reset()
	if s.Calls() != 0 {
		t.Error("expected counters reset")
	}

	mem := NewInstrumented(NewMemoryStore(), nil)
	if _, err := mem.Path(ctx, d, false); err != ErrNoLocalFiles {
		t.Errorf("expected ErrNoLocalFiles, got %v", err)
	}
}
