package semroute

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatsunemiku3939/agentmesh/fault"
	"github.com/hatsunemiku3939/agentmesh/journal"
	"github.com/hatsunemiku3939/agentmesh/profile"
)

// stubEmbedder returns scripted vectors per text.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec, ok := s.vectors[text]
	if !ok {
		return []float32{0, 0, 1}, nil
	}
	return vec, nil
}

// stubFiller records calls and plays back a scripted result.
type stubFiller struct {
	mu      sync.Mutex
	schemas []string
	payload []byte
	err     error
}

func (s *stubFiller) Fill(_ context.Context, schema string, _ string) ([]byte, error) {
	s.mu.Lock()
	s.schemas = append(s.schemas, schema)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.payload, nil
}

func (s *stubFiller) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schemas)
}

func testResolver(t *testing.T) *profile.Resolver {
	t.Helper()
	res, err := profile.NewResolver([]profile.Profile{
		{
			Name:      "researcher",
			Table:     map[string]string{"FileReadRequest": "file-read"},
			Retention: journal.RetentionPolicy{Mode: journal.RetainForever},
		},
		{
			Name: "admin",
			Table: map[string]string{
				"FileReadRequest":  "file-read",
				"FileWriteRequest": "file-write",
				"FileEraseRequest": "file-erase",
			},
			Retention: journal.RetentionPolicy{Mode: journal.RetainForever},
		},
	})
	require.NoError(t, err)
	return res
}

// capabilities ranked for the "delete temp files" request: erase best,
// write second, read third.
func testCapabilities() []Capability {
	return []Capability{
		{Handler: "file-erase", Tags: map[string]string{"FileEraseRequest": `{"type":"object"}`}, Semantic: "erase files"},
		{Handler: "file-write", Tags: map[string]string{"FileWriteRequest": `{"type":"object"}`}, Semantic: "write files"},
		{Handler: "file-read", Tags: map[string]string{"FileReadRequest": `{"type":"object","title":"read"}`}, Semantic: "read files"},
	}
}

func testEmbedder() *stubEmbedder {
	return &stubEmbedder{vectors: map[string][]float32{
		"erase files":       {1, 0, 0},
		"write files":       {0.8, 0.6, 0},
		"read files":        {0, 1, 0},
		"delete temp files": {1, 0.2, 0},
	}}
}

// S6: the top two candidates are masked; the filler runs exactly once,
// for the third-ranked permitted handler.
func TestMaskBeforeFill(t *testing.T) {
	filler := &stubFiller{payload: []byte(`{"path":"/tmp"}`)}
	router, err := New(context.Background(), testEmbedder(), testResolver(t), testCapabilities(), []FormFiller{filler})
	require.NoError(t, err)

	plan, err := router.RouteByIntent(context.Background(), "delete temp files", "researcher", "root")
	require.NoError(t, err)
	assert.Equal(t, "file-read", plan.Handler)
	assert.Equal(t, "FileReadRequest", plan.PayloadTag)
	assert.Equal(t, []byte(`{"path":"/tmp"}`), plan.Payload)

	require.Equal(t, 1, filler.calls(), "no fill for masked candidates")
	assert.Contains(t, filler.schemas[0], "read", "the fill uses the selected handler's schema")
}

func TestTopRankedWinsWhenPermitted(t *testing.T) {
	filler := &stubFiller{payload: []byte(`{}`)}
	router, err := New(context.Background(), testEmbedder(), testResolver(t), testCapabilities(), []FormFiller{filler})
	require.NoError(t, err)

	plan, err := router.RouteByIntent(context.Background(), "delete temp files", "admin", "root")
	require.NoError(t, err)
	assert.Equal(t, "file-erase", plan.Handler)
}

func TestNoCapability(t *testing.T) {
	filler := &stubFiller{payload: []byte(`{}`)}
	caps := []Capability{
		{Handler: "file-erase", Tags: map[string]string{"FileEraseRequest": "{}"}, Semantic: "erase files"},
	}
	router, err := New(context.Background(), testEmbedder(), testResolver(t), caps, []FormFiller{filler})
	require.NoError(t, err)

	_, err = router.RouteByIntent(context.Background(), "delete temp files", "researcher", "root")
	assert.True(t, fault.Is(err, fault.KindNoCapability))
	assert.Zero(t, filler.calls())
}

func TestUnknownProfile(t *testing.T) {
	router, err := New(context.Background(), testEmbedder(), testResolver(t), testCapabilities(), nil)
	require.NoError(t, err)
	_, err = router.RouteByIntent(context.Background(), "anything", "ghost", "root")
	assert.True(t, fault.Is(err, fault.KindUnknownProfile))
}

func TestFillerLadderEscalates(t *testing.T) {
	weak := &stubFiller{err: errors.New("cheap model gave up")}
	strong := &stubFiller{payload: []byte(`{"path":"x"}`)}
	router, err := New(context.Background(), testEmbedder(), testResolver(t), testCapabilities(), []FormFiller{weak, strong})
	require.NoError(t, err)

	plan, err := router.RouteByIntent(context.Background(), "delete temp files", "researcher", "root")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"path":"x"}`), plan.Payload)
	assert.Equal(t, 1, weak.calls())
	assert.Equal(t, 1, strong.calls())
}

func TestFormFillFailed(t *testing.T) {
	weak := &stubFiller{err: errors.New("nope")}
	router, err := New(context.Background(), testEmbedder(), testResolver(t), testCapabilities(), []FormFiller{weak})
	require.NoError(t, err)

	_, err = router.RouteByIntent(context.Background(), "delete temp files", "researcher", "root")
	assert.True(t, fault.Is(err, fault.KindFormFillFailed))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosine([]float32{1}, []float32{1, 2}), "dimension mismatch degenerates to zero")
	assert.Zero(t, cosine(nil, nil))
}
