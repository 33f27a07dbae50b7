package ai

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"

	"github.com/simpleflo/playbookd/internal/observability"
)

func parseOllamaHost(host string) (*url.URL, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("similarity: invalid ollama host %q: %w", host, err)
	}
	return u, nil
}

// kptNamespace is the fixed UUID namespace used to derive deterministic
// Qdrant point IDs from KPT names (Qdrant requires UUID or integer IDs).
var kptNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func kptPointID(name string) string {
	hash := sha256.Sum256([]byte(name))
	return uuid.NewSHA1(kptNamespace, hash[:]).String()
}

// MergeOracle re-scores a proposed merge pair locally, as a cross-check
// on the model's reported similarity. Implementations are best-effort: a
// pair they cannot score returns an error and the caller keeps the
// model's verdict.
type MergeOracle interface {
	PairScore(ctx context.Context, aName, aText, bName, bText string) (float64, error)
}

// SimilarityConfig configures the optional embedding-backed merge oracle
// (pack Open Question 3). When configured, the Reflector re-scores each
// proposed merge pair with it and discards pairs that score below the
// merge threshold; a pair the oracle cannot score keeps the model's
// reported similarity.
type SimilarityConfig struct {
	OllamaHost     string
	EmbeddingModel string
	QdrantHost     string
	QdrantPort     int
	CollectionName string
	Dimension      int
}

// SimilarityOracle embeds KPT text via Ollama and stores/searches the
// vectors in Qdrant, grounded on internal/kb's embeddings.go +
// vectorstore.go pairing, repurposed from whole-document chunk search to
// single-KPT near-duplicate lookup.
type SimilarityOracle struct {
	embedClient *api.Client
	embedModel  string

	qdrant         *qdrant.Client
	collectionName string
	dimension      uint64

	logger zerolog.Logger
	mu     sync.Mutex
	ready  bool
}

// NewSimilarityOracle builds an oracle from cfg. It does not connect
// eagerly; EnsureReady does that lazily on first use.
func NewSimilarityOracle(cfg SimilarityConfig) (*SimilarityOracle, error) {
	if cfg.QdrantHost == "" {
		cfg.QdrantHost = "localhost"
	}
	if cfg.QdrantPort <= 0 {
		cfg.QdrantPort = 6334
	}
	if cfg.CollectionName == "" {
		cfg.CollectionName = "playbookd_kpts"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 768
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "nomic-embed-text"
	}

	ollamaHost, err := parseOllamaHost(cfg.OllamaHost)
	if err != nil {
		return nil, err
	}

	qc, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.QdrantHost,
		Port: cfg.QdrantPort,
	})
	if err != nil {
		return nil, fmt.Errorf("similarity: create qdrant client: %w", err)
	}

	return &SimilarityOracle{
		embedClient:    api.NewClient(ollamaHost, http.DefaultClient),
		embedModel:     cfg.EmbeddingModel,
		qdrant:         qc,
		collectionName: cfg.CollectionName,
		dimension:      uint64(cfg.Dimension),
		logger:         observability.Logger("ai.similarity"),
	}, nil
}

// EnsureReady creates the backing Qdrant collection if it does not exist.
func (o *SimilarityOracle) EnsureReady(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ready {
		return nil
	}

	collections, err := o.qdrant.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("similarity: list collections: %w", err)
	}
	for _, c := range collections {
		if c == o.collectionName {
			o.ready = true
			return nil
		}
	}

	err = o.qdrant.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: o.collectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     o.dimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("similarity: create collection: %w", err)
	}
	o.ready = true
	return nil
}

// Upsert embeds and stores a KPT's text under its name, making it
// available for future nearest-neighbor lookups.
func (o *SimilarityOracle) Upsert(ctx context.Context, name, text string) error {
	if err := o.EnsureReady(ctx); err != nil {
		return err
	}

	vec, err := o.embed(ctx, text)
	if err != nil {
		return err
	}

	_, err = o.qdrant.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: o.collectionName,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewID(kptPointID(name)),
				Vectors: qdrant.NewVectors(vec...),
				Payload: qdrant.NewValueMap(map[string]any{"name": name}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("similarity: upsert %s: %w", name, err)
	}
	return nil
}

// NearestScore returns the cosine similarity of text against its closest
// stored neighbor other than selfName, or 0 if the collection is empty.
func (o *SimilarityOracle) NearestScore(ctx context.Context, selfName, text string) (float64, error) {
	if err := o.EnsureReady(ctx); err != nil {
		return 0, err
	}

	vec, err := o.embed(ctx, text)
	if err != nil {
		return 0, err
	}

	result, err := o.qdrant.Query(ctx, &qdrant.QueryPoints{
		CollectionName: o.collectionName,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(2)), // self + nearest other
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return 0, fmt.Errorf("similarity: query: %w", err)
	}

	for _, point := range result {
		if payload := point.Payload; payload != nil {
			if v, ok := payload["name"]; ok && v.GetStringValue() == selfName {
				continue
			}
		}
		return float64(point.Score), nil
	}
	return 0, nil
}

// PairScore returns the cosine similarity between two KPT texts: the
// first is upserted under its name, and the second's embedding is
// queried against it with a name filter so Qdrant computes the distance.
func (o *SimilarityOracle) PairScore(ctx context.Context, aName, aText, bText string) (float64, error) {
	if err := o.Upsert(ctx, aName, aText); err != nil {
		return 0, err
	}

	vec, err := o.embed(ctx, bText)
	if err != nil {
		return 0, err
	}

	result, err := o.qdrant.Query(ctx, &qdrant.QueryPoints{
		CollectionName: o.collectionName,
		Query:          qdrant.NewQuery(vec...),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("name", aName)},
		},
		Limit: qdrant.PtrOf(uint64(1)),
	})
	if err != nil {
		return 0, fmt.Errorf("similarity: pair query: %w", err)
	}
	if len(result) == 0 {
		return 0, nil
	}
	return float64(result[0].Score), nil
}

// MergeValidator fronts the embedding oracle with a similarity cache so
// repeated reflection passes over a largely-unchanged playbook don't
// re-embed and re-query the same pairs.
type MergeValidator struct {
	oracle *SimilarityOracle
	cache  SimilarityCache
	logger zerolog.Logger
}

// NewMergeValidator builds a validator over oracle; cache may be nil to
// disable caching.
func NewMergeValidator(oracle *SimilarityOracle, cache SimilarityCache) *MergeValidator {
	return &MergeValidator{
		oracle: oracle,
		cache:  cache,
		logger: observability.Logger("ai.mergevalidator"),
	}
}

// PairScore implements MergeOracle.
func (v *MergeValidator) PairScore(ctx context.Context, aName, aText, bName, bText string) (float64, error) {
	if v.cache != nil {
		if score, ok := v.cache.Get(ctx, aName, bName); ok {
			return score, nil
		}
	}

	score, err := v.oracle.PairScore(ctx, aName, aText, bText)
	if err != nil {
		observability.LogError(v.logger, err, "pair score unavailable, keeping model verdict", map[string]interface{}{
			"a": aName,
			"b": bName,
		})
		return 0, err
	}

	if v.cache != nil {
		v.cache.Set(ctx, aName, bName, score)
	}
	return score, nil
}

func (o *SimilarityOracle) embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.embedClient.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  o.embedModel,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("similarity: embed: %w", err)
	}

	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
