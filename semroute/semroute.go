// Package semroute is the semantic router: natural-language intent to a
// dispatch plan. Candidates are ranked by embedding similarity, masked by
// the active profile's dispatch table before any selection, and only the
// selected candidate ever reaches the form filler. The router can never
// produce a plan for a handler outside the profile, and it never
// shortcuts payload validation — emitted bytes still pass the dispatch
// engine's schema stage.
package semroute

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"github.com/hatsunemiku3939/agentmesh/fault"
	"github.com/hatsunemiku3939/agentmesh/profile"
)

// Embedder is the embedding provider. Pure function from the router's
// perspective; caching is the provider's concern.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FormFiller produces candidate payload bytes for a request schema from a
// natural-language request.
type FormFiller interface {
	Fill(ctx context.Context, schema string, natural string) ([]byte, error)
}

// Capability describes one routable handler to the router.
type Capability struct {
	Handler string
	// Tags are the handler's payload tags with their request schema
	// documents. The empty string marks a tag without a schema.
	Tags map[string]string
	// Semantic is the text embedded for ranking.
	Semantic string
}

// DispatchPlan is the router's output, ready for Pipeline.Submit.
type DispatchPlan struct {
	Handler    string
	PayloadTag string
	Payload    []byte
}

type candidate struct {
	cap Capability
	vec []float32
}

// Router ranks, masks, selects, and fills.
type Router struct {
	emb     Embedder
	fillers []FormFiller
	res     *profile.Resolver
	cands   []candidate
	log     *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// New embeds every capability's semantic description once and returns a
// ready router. The filler ladder is tried in order on fill failures.
func New(ctx context.Context, emb Embedder, res *profile.Resolver, caps []Capability, fillers []FormFiller, opts ...Option) (*Router, error) {
	r := &Router{emb: emb, fillers: fillers, res: res, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	for _, cap := range caps {
		if cap.Semantic == "" {
			continue
		}
		vec, err := emb.Embed(ctx, cap.Semantic)
		if err != nil {
			return nil, err
		}
		r.cands = append(r.cands, candidate{cap: cap, vec: vec})
	}
	return r, nil
}

// RouteByIntent maps a natural-language request onto the best handler the
// profile permits. Masking runs before selection and before any form
// fill: no filler call is ever made for a masked candidate.
func (r *Router) RouteByIntent(ctx context.Context, natural, profileName, threadID string) (DispatchPlan, error) {
	if !r.res.Has(profileName) {
		return DispatchPlan{}, fault.New(fault.KindUnknownProfile, "profile %q", profileName)
	}

	// Rank.
	query, err := r.emb.Embed(ctx, natural)
	if err != nil {
		return DispatchPlan{}, err
	}
	ranked := make([]scored, 0, len(r.cands))
	for _, c := range r.cands {
		ranked = append(ranked, scored{cand: c, score: cosine(query, c.vec)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	// Mask. A candidate survives when the profile routes one of its tags
	// to it. Tags are probed in sorted order so selection is
	// deterministic.
	type allowed struct {
		cap   Capability
		tag   string
		score float64
	}
	var permitted []allowed
	for _, s := range ranked {
		tags := make([]string, 0, len(s.cand.cap.Tags))
		for tag := range s.cand.cap.Tags {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		for _, tag := range tags {
			handler, routed, err := r.res.Resolve(profileName, tag)
			if err != nil {
				return DispatchPlan{}, err
			}
			if routed && handler == s.cand.cap.Handler {
				permitted = append(permitted, allowed{cap: s.cand.cap, tag: tag, score: s.score})
				break
			}
		}
	}
	if len(permitted) == 0 {
		return DispatchPlan{}, fault.New(fault.KindNoCapability,
			"no permitted handler matches the request under profile %q", profileName)
	}

	// Select.
	top := permitted[0]
	r.log.Debug("semantic route selected",
		slog.String("handler", top.cap.Handler),
		slog.String("tag", top.tag),
		slog.String("thread", threadID),
		slog.Float64("score", top.score))

	// Fill, escalating through the ladder.
	schema := top.cap.Tags[top.tag]
	var lastErr error
	for _, filler := range r.fillers {
		payload, err := filler.Fill(ctx, schema, natural)
		if err == nil {
			return DispatchPlan{
				Handler:    top.cap.Handler,
				PayloadTag: top.tag,
				Payload:    payload,
			}, nil
		}
		lastErr = err
	}
	return DispatchPlan{}, fault.New(fault.KindFormFillFailed,
		"fill for %q failed: %v", top.cap.Handler, lastErr)
}

type scored struct {
	cand  candidate
	score float64
}

// cosine returns the cosine similarity of two vectors; 0 when either is
// degenerate.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
