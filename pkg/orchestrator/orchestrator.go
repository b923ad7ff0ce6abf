package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/samogod/opustune/pkg/config"
	"github.com/samogod/opustune/pkg/database"
	"github.com/samogod/opustune/pkg/dataset"
	"github.com/samogod/opustune/pkg/device"
	"github.com/samogod/opustune/pkg/elastic"
	"github.com/samogod/opustune/pkg/evaluator"
	"github.com/samogod/opustune/pkg/hub"
	"github.com/samogod/opustune/pkg/logging"
	"github.com/samogod/opustune/pkg/seq2seq"
	"github.com/samogod/opustune/pkg/session"
	"github.com/samogod/opustune/pkg/tokenizer"
	"github.com/samogod/opustune/pkg/trainer"
)

var DebugLog func(string, ...interface{})

type Orchestrator struct {
	config        *config.Config
	configManager *config.Manager
	logger        *logrus.Logger
	out           io.Writer
	device        device.Device
	downloader    *hub.Downloader
	db            *database.DB
	es            *elastic.Client
}

type Options struct {
	ConfigPath string
	Verbose    bool
	// Out receives the epoch loss and metric lines; defaults to stdout.
	Out io.Writer
	// Logger overrides the stderr logger built from Verbose.
	Logger *logrus.Logger
}

type TrainOptions struct {
	DataPath   string
	SourceLang string
	TargetLang string
}

type EvalOptions struct {
	ModelPath  string
	DataPath   string
	SourceLang string
	TargetLang string
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(opts.Verbose)
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	configManager := config.NewManager(opts.ConfigPath)
	if err := configManager.LoadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg := configManager.GetConfig()

	dev := device.Select(cfg.Model.Device, logger)
	logger.Infof("Using device: %s", dev)

	sess := session.New(cfg.Hub.Timeout)

	db, err := database.New(&cfg.Database, logger)
	if err != nil {
		logger.Warnf("Database initialization failed: %v", err)
	}

	var es *elastic.Client
	if cfg.Elastic.Enabled {
		es, err = elastic.New(elastic.Config{
			URL:       cfg.Elastic.URL,
			Username:  cfg.Elastic.Username,
			Password:  cfg.Elastic.Password,
			Index:     cfg.Elastic.Index,
			Transport: session.NewTransport(),
		})
		if err != nil {
			logger.Warnf("Elasticsearch initialization failed: %v", err)
			es = nil
		}
	}

	return &Orchestrator{
		config:        cfg,
		configManager: configManager,
		logger:        logger,
		out:           out,
		device:        dev,
		downloader:    hub.NewDownloader(cfg.Hub, sess.Client, logger),
		db:            db,
		es:            es,
	}, nil
}

func (o *Orchestrator) Config() *config.Config {
	return o.config
}

func (o *Orchestrator) Device() device.Device {
	return o.device
}

func (o *Orchestrator) Close() error {
	if o.db != nil {
		return o.db.Close()
	}
	return nil
}

// RunTrain fine-tunes the pretrained checkpoint of the language pair on the
// CSV at DataPath and writes the result to training.output_dir.
func (o *Orchestrator) RunTrain(ctx context.Context, opts TrainOptions) (*trainer.Result, error) {
	modelID, err := hub.ModelID(o.config.Model.Template, opts.SourceLang, opts.TargetLang)
	if err != nil {
		return nil, err
	}

	examples, err := dataset.ReadFile(opts.DataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read training data: %w", err)
	}
	o.logger.Infof("Loaded %d training rows from %s", len(examples), opts.DataPath)

	run := o.startRun(database.KindTrain, modelID, opts.DataPath, opts.SourceLang, opts.TargetLang)
	var losses []float64

	res, err := func() (*trainer.Result, error) {
		dir, err := o.downloader.Fetch(ctx, modelID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch pretrained model: %w", err)
		}

		tok, model, err := o.loadPair(dir, true)
		if err != nil {
			return nil, err
		}
		defer tok.Close()

		return trainer.Run(ctx, trainer.Options{
			Model:     model,
			Tokenizer: tok,
			Examples:  examples,
			Training:  o.config.Training,
			Out:       o.out,
			Logger:    o.logger,
			OnEpoch: func(epoch int, loss float64) {
				losses = append(losses, loss)
				if err := o.db.RecordEpoch(run.ID, epoch, loss); err != nil {
					o.logger.Warnf("Failed to track epoch loss in database: %v", err)
				}
			},
		})
	}()

	doc := run.document()
	doc.EpochLosses = losses
	o.finishRun(ctx, run, doc, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RunEvaluate scores the fine-tuned model at ModelPath on the CSV at
// DataPath.
func (o *Orchestrator) RunEvaluate(ctx context.Context, opts EvalOptions) (*evaluator.Report, error) {
	if opts.ModelPath == "" {
		return nil, errors.New("model path is required")
	}
	info, err := os.Stat(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open model path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("model path %s is not a directory", opts.ModelPath)
	}
	if _, err := hub.ModelID(o.config.Model.Template, opts.SourceLang, opts.TargetLang); err != nil {
		return nil, err
	}

	examples, err := dataset.ReadFile(opts.DataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read evaluation data: %w", err)
	}
	o.logger.Infof("Loaded %d evaluation rows from %s", len(examples), opts.DataPath)

	run := o.startRun(database.KindEvaluate, opts.ModelPath, opts.DataPath, opts.SourceLang, opts.TargetLang)

	rep, err := func() (*evaluator.Report, error) {
		tok, model, err := o.loadPair(opts.ModelPath, false)
		if err != nil {
			return nil, err
		}
		defer tok.Close()

		return evaluator.Run(ctx, evaluator.Options{
			Model:      model,
			Tokenizer:  tok,
			Examples:   examples,
			Evaluation: o.config.Evaluation,
			Out:        o.out,
			Logger:     o.logger,
		})
	}()

	doc := run.document()
	if rep != nil {
		if err := o.db.RecordMetrics(run.ID, rep.Scores, rep.Samples, rep.Compare); err != nil {
			o.logger.Warnf("Failed to track metrics in database: %v", err)
		}
		scores := rep.Scores
		doc.Metrics = &scores
		doc.Samples = rep.Samples
		doc.Compare = rep.Compare
	}
	o.finishRun(ctx, run, doc, err)
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// QueryRuns lists tracked runs; kind is empty, train or evaluate.
func (o *Orchestrator) QueryRuns(kind string, limit int) ([]database.RunRecord, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	switch kind {
	case "", database.KindTrain, database.KindEvaluate:
	default:
		return nil, fmt.Errorf("kind must be %q or %q", database.KindTrain, database.KindEvaluate)
	}
	if !o.db.IsEnabled() {
		return nil, errors.New("database is not enabled, set database.enabled in the config file")
	}
	return o.db.QueryRuns(kind, limit)
}

// EpochLosses returns the per-epoch mean losses tracked for a train run.
func (o *Orchestrator) EpochLosses(runID uuid.UUID) ([]float64, error) {
	if !o.db.IsEnabled() {
		return nil, errors.New("database is not enabled, set database.enabled in the config file")
	}
	return o.db.EpochLosses(runID)
}

// loadPair loads the tokenizer and model of dir. Pretrained checkpoints keep
// only the weights matching the runtime; saved fine-tuned models must match
// exactly.
func (o *Orchestrator) loadPair(dir string, pretrained bool) (tokenizer.Tokenizer, *seq2seq.Model, error) {
	tok, err := tokenizer.Load(dir)
	if err != nil {
		return nil, nil, err
	}

	opts := seq2seq.Options{
		Workers: o.device.Workers,
		Seed:    o.config.Training.Seed,
		DModel:  o.config.Model.DModel,
		Logger:  o.logger,
	}
	var model *seq2seq.Model
	if pretrained {
		model, err = seq2seq.LoadPretrained(dir, opts)
	} else {
		model, err = seq2seq.Load(dir, opts)
	}
	if err != nil {
		tok.Close()
		return nil, nil, fmt.Errorf("failed to load model from %s: %w", dir, err)
	}

	if v := model.Config().VocabSize; tok.VocabSize() > v {
		tok.Close()
		return nil, nil, fmt.Errorf("tokenizer vocabulary (%d) exceeds model vocabulary (%d)", tok.VocabSize(), v)
	}
	if DebugLog != nil {
		DebugLog("loaded %s: vocab %d, d_model %d", dir, model.Config().VocabSize, model.Config().DModel)
	}
	return tok, model, nil
}

type runInfo struct {
	database.RunRecord
	start time.Time
}

func (r *runInfo) document() elastic.RunDocument {
	return elastic.RunDocument{
		RunID:      r.ID.String(),
		Kind:       r.Kind,
		Model:      r.Model,
		SourceLang: r.SourceLang,
		TargetLang: r.TargetLang,
		DataPath:   r.DataPath,
		Device:     r.Device,
		StartedAt:  r.StartedAt,
	}
}

func (o *Orchestrator) startRun(kind, model, dataPath, src, tgt string) *runInfo {
	now := time.Now()
	run := &runInfo{
		RunRecord: database.RunRecord{
			ID:         uuid.New(),
			Kind:       kind,
			Model:      model,
			SourceLang: src,
			TargetLang: tgt,
			DataPath:   dataPath,
			Device:     o.device.String(),
			StartedAt:  now.UTC(),
		},
		start: now,
	}
	if err := o.db.StartRun(run.RunRecord); err != nil {
		o.logger.Warnf("Failed to track run in database: %v", err)
	}
	if DebugLog != nil {
		DebugLog("%s run %s started", kind, run.ID)
	}
	return run
}

// finishRun records the outcome in the trackers. Tracking failures are
// logged and never change the run's result.
func (o *Orchestrator) finishRun(ctx context.Context, run *runInfo, doc elastic.RunDocument, runErr error) {
	if err := o.db.FinishRun(run.ID, runErr); err != nil {
		o.logger.Warnf("Failed to finish run in database: %v", err)
	}

	doc.Status = database.StatusSuccess
	if runErr != nil {
		doc.Status = database.StatusFailed
		doc.Error = runErr.Error()
	}
	doc.DurationMS = time.Since(run.start).Milliseconds()

	if o.es != nil {
		if err := o.es.IndexRuns(ctx, []elastic.RunDocument{doc}); err != nil {
			o.logger.Warnf("Failed to index run report: %v", err)
		}
	}
	o.logger.WithFields(logrus.Fields{"run": run.ID.String(), "status": doc.Status}).Infof("%s run finished", run.Kind)
}
