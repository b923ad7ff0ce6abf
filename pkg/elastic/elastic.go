package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	es8 "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"

	"github.com/samogod/opustune/pkg/metrics"
)

var DebugLog func(string, ...interface{})

const DefaultIndex = "opustune_runs"

type Config struct {
	URL      string
	Username string
	Password string
	Index    string
	// Transport, when set, replaces the client's HTTP transport.
	Transport http.RoundTripper
}

type Client struct {
	es    *es8.Client
	index string
}

// RunDocument is the searchable summary of one train or evaluate run.
type RunDocument struct {
	RunID       string          `json:"run_id"`
	Kind        string          `json:"kind"`
	Model       string          `json:"model"`
	SourceLang  string          `json:"source_lang"`
	TargetLang  string          `json:"target_lang"`
	DataPath    string          `json:"data_path"`
	Device      string          `json:"device"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	EpochLosses []float64       `json:"epoch_losses,omitempty"`
	Metrics     *metrics.Scores `json:"metrics,omitempty"`
	Samples     int             `json:"samples,omitempty"`
	Compare     string          `json:"compare,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	DurationMS  int64           `json:"duration_ms"`
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("elasticsearch URL is required")
	}
	index := cfg.Index
	if strings.TrimSpace(index) == "" {
		index = DefaultIndex
	}

	es, err := es8.NewClient(es8.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	res, err := es.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}

	return &Client{es: es, index: index}, nil
}

func (c *Client) Index() string {
	return c.index
}

// IndexRuns bulk-indexes the documents keyed by run id, so re-indexing a
// run overwrites its previous summary.
func (c *Client) IndexRuns(ctx context.Context, docs []RunDocument) error {
	if len(docs) == 0 {
		return nil
	}

	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     c.es,
		Index:      c.index,
		NumWorkers: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	var failed atomic.Int64
	for _, doc := range docs {
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode run %s: %w", doc.RunID, err)
		}

		item := esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: doc.RunID,
			Body:       bytes.NewReader(body),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, resp esutil.BulkIndexerResponseItem, err error) {
				failed.Add(1)
				if DebugLog != nil {
					if err != nil {
						DebugLog("indexing run %s failed: %v", item.DocumentID, err)
					} else {
						DebugLog("indexing run %s failed: %s: %s", item.DocumentID, resp.Error.Type, resp.Error.Reason)
					}
				}
			},
		}
		if err := bi.Add(ctx, item); err != nil {
			return fmt.Errorf("bulk add failed: %w", err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("bulk indexer close failed: %w", err)
	}

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d run documents failed to index", n, len(docs))
	}
	if DebugLog != nil {
		DebugLog("indexed %d run documents into %s", len(docs), c.index)
	}
	return nil
}
