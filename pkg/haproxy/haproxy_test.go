package haproxy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twentyft/laksa/pkg/model"
)

type fakeSource struct {
	clusters []*model.Cluster
	weights  map[string]int
}

func (f *fakeSource) AllClusters() []*model.Cluster {
	// deliberately return a fresh slice each call so the generator's
	// own ordering is what makes output deterministic
	out := make([]*model.Cluster, len(f.clusters))
	copy(out, f.clusters)
	return out
}

func (f *fakeSource) NodeWeight(pk []byte) (int, bool) {
	w, ok := f.weights[string(pk)]
	return w, ok
}

func testClusters(t *testing.T) *fakeSource {
	t.Helper()
	web := &model.Cluster{
		UUID:      "cl-web",
		Domain:    "example.test",
		Subdomain: "www.",
		Containers: []*model.Container{
			{UUID: "ctr-1", IP: "10.2.0.5", NodePK: []byte("node-a")},
			{UUID: "ctr-2", IP: "10.3.0.6", NodePK: []byte("node-gone")},
		},
	}
	api := &model.Cluster{
		UUID:      "cl-api",
		Domain:    "example.test",
		Subdomain: "api.",
		SSL:       "PEM",
		Rewrite:   "origin.example.test",
		Containers: []*model.Container{
			{UUID: "ctr-3", IP: "10.2.0.7", NodePK: []byte("node-a")},
		},
	}
	require.NoError(t, api.Materialise(t.TempDir()))
	t.Cleanup(api.Release)
	return &fakeSource{
		clusters: []*model.Cluster{web, api},
		weights:  map[string]int{"node-a": 25},
	}
}

func TestRenderContent(t *testing.T) {
	src := testClusters(t)
	g := NewGenerator(filepath.Join(t.TempDir(), "haproxy.cfg"), src, func() error { return nil })

	out := string(g.Render())

	assert.Contains(t, out, "frontend http-in\n    bind :80")
	assert.Contains(t, out, "frontend https-in\n    bind :443 ssl crt ")
	assert.Contains(t, out, "alpn http/1.1,http/1.0")
	assert.Equal(t, 2, strings.Count(out, "compression algo gzip"))

	assert.Contains(t, out, "acl host_www_example_test hdr(host) -i www.example.test")
	assert.Contains(t, out, "acl host_api_example_test hdr(host) -i api.example.test")

	// plain-http cluster routes on :80, tls cluster redirects there
	assert.Contains(t, out, "use_backend backend_www_example_test if host_www_example_test")
	assert.Contains(t, out, "http-request redirect scheme https if host_api_example_test")
	assert.Contains(t, out, "use_backend backend_api_example_test if host_api_example_test")

	assert.Contains(t, out, "http-request set-header Host origin.example.test")
	assert.Contains(t, out, "server ctr-1 10.2.0.5:80 weight 25")
	assert.Contains(t, out, "server ctr-3 10.2.0.7:80 weight 25")
	// offline host node falls back to the default weight
	assert.Contains(t, out, "server ctr-2 10.3.0.6:80 weight 10")
}

func TestRenderDeterministic(t *testing.T) {
	src := testClusters(t)
	g := NewGenerator(filepath.Join(t.TempDir(), "haproxy.cfg"), src, func() error { return nil })

	first := g.Render()
	second := g.Render()
	assert.Equal(t, first, second)
}

func TestRebuildReloadsOnlyOnChange(t *testing.T) {
	src := testClusters(t)
	path := filepath.Join(t.TempDir(), "haproxy.cfg")
	reloads := 0
	g := NewGenerator(path, src, func() error { reloads++; return nil })

	g.Rebuild()
	assert.Equal(t, 1, reloads)

	// nothing changed: no write, no reload
	g.Rebuild()
	assert.Equal(t, 1, reloads)

	src.weights["node-a"] = 30
	g.Rebuild()
	assert.Equal(t, 2, reloads)
}

func TestPublishUnpublishRestoresConfig(t *testing.T) {
	src := &fakeSource{weights: map[string]int{}}
	path := filepath.Join(t.TempDir(), "haproxy.cfg")
	g := NewGenerator(path, src, func() error { return nil })

	g.Rebuild()
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	src.clusters = append(src.clusters, &model.Cluster{
		UUID: "cl-1", Domain: "x.test", Subdomain: "www.",
		Containers: []*model.Container{{UUID: "ctr-1", IP: "10.2.0.5"}},
	})
	g.Rebuild()
	published, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, before, published)

	src.clusters = nil
	g.Rebuild()
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "unpublishing restores byte-identical config")
}
