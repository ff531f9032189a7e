package secrets

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretClient struct {
	mu     sync.Mutex
	values map[string]string
	errs   map[string]error
	calls  map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{values: map[string]string{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (c *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[req.GetName()]++
	if err := c.errs[req.GetName()]; err != nil {
		return nil, err
	}
	value, ok := c.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "missing")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)}}, nil
}

func (c *fakeSecretClient) Close() error { return nil }

func TestResolveCachesRemoteValue(t *testing.T) {
	client := newFakeSecretClient()
	resource := "projects/pile-test/secrets/oracle-api-key/versions/latest"
	client.values[resource] = "remote-key"

	fetcher, err := NewFetcher(context.Background(), nil, WithClient(client), WithProject("pile-test"), WithFallbackFile(""))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(context.Background(), "secret://oracle-api-key")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got != "remote-key" {
			t.Fatalf("unexpected value %q", got)
		}
	}
	if client.calls[resource] != 1 {
		t.Fatalf("expected one remote call, got %d", client.calls[resource])
	}
}

func TestResolveHonoursVersionAndProject(t *testing.T) {
	client := newFakeSecretClient()
	client.values["projects/other/secrets/oracle-api-key/versions/3"] = "pinned"

	fetcher, err := NewFetcher(context.Background(), nil, WithClient(client), WithProject("pile-test"), WithFallbackFile(""))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	got, err := fetcher.Resolve(context.Background(), "sm://oracle-api-key?version=3&project=other")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "pinned" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestResolveFallsBackOnPermissionDenied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".secrets.local")
	if err := os.WriteFile(path, []byte("# local\nsecret://oracle-api-key=local-key\n"), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	client := newFakeSecretClient()
	client.errs["projects/pile-test/secrets/oracle-api-key/versions/latest"] = status.Error(codes.PermissionDenied, "denied")

	fetcher, err := NewFetcher(context.Background(), nil, WithClient(client), WithProject("pile-test"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	got, err := fetcher.Resolve(context.Background(), "secret://oracle-api-key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "local-key" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestResolveSurfacesNonFallbackErrors(t *testing.T) {
	client := newFakeSecretClient()
	fetcher, err := NewFetcher(context.Background(), nil, WithClient(client), WithProject("pile-test"), WithFallbackFile(""))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	if _, err := fetcher.Resolve(context.Background(), "secret://missing"); err == nil {
		t.Fatalf("expected not found error")
	}
	if _, err := fetcher.Resolve(context.Background(), "https://nope"); err == nil {
		t.Fatalf("expected scheme error")
	}
}
