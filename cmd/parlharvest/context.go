package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/dshills/parlharvest/internal/chunker"
	"github.com/dshills/parlharvest/internal/config"
	"github.com/dshills/parlharvest/internal/embedder"
	"github.com/dshills/parlharvest/internal/remote"
	"github.com/dshills/parlharvest/internal/retry"
	"github.com/dshills/parlharvest/internal/storage"
	"github.com/dshills/parlharvest/internal/vectorindex"
)

type globalFlags struct {
	config   string
	db       string
	logLevel string
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error
	logger     *slog.Logger
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

// ensureConfig loads .env, the config file and flag overrides once, and sets
// up the logger on the command's stderr.
func (c *commandContext) ensureConfig(cmd *cobra.Command) (*config.Config, error) {
	c.configOnce.Do(func() {
		if err := config.LoadDotEnv(".env"); err != nil {
			c.configErr = err
			return
		}
		cfg, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		if db := strings.TrimSpace(c.flags.db); db != "" {
			cfg.Database.Path = db
		}
		if lvl := strings.TrimSpace(c.flags.logLevel); lvl != "" {
			cfg.Log.Level = lvl
		}
		if err := cfg.ValidateQueue(); err != nil {
			c.configErr = fmt.Errorf("invalid configuration: %w", err)
			return
		}
		level, _ := config.ParseLevel(cfg.Log.Level)
		c.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) openStore(ctx context.Context) (*storage.SQLiteStore, error) {
	store, err := storage.Open(ctx, c.config.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", c.config.Database.Path, err)
	}
	return store, nil
}

// withStore opens the queue for the duration of fn.
func (c *commandContext) withStore(ctx context.Context, fn func(*storage.SQLiteStore) error) error {
	store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func (c *commandContext) newSource() (*remote.Client, error) {
	rc := c.config.Remote
	return remote.NewClient(remote.Config{
		HansardBaseURL:   rc.HansardBaseURL,
		QuestionsBaseURL: rc.QuestionsBaseURL,
		Timeout:          rc.Timeout,
		MaxRatePerSecond: rc.MaxRatePerSecond,
		Retry:            retry.DefaultConfig().WithMaxRetries(rc.MaxRetries),
	})
}

func (c *commandContext) newEmbedder() (embedder.Embedder, error) {
	if err := c.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return embedder.New(c.config.Embedder)
}

func (c *commandContext) openIndex(ctx context.Context) (vectorindex.Index, error) {
	if err := c.config.ValidateIndex(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return vectorindex.Open(ctx, c.config.Index)
}

func (c *commandContext) newChunker() *chunker.Chunker {
	cc := c.config.Chunker
	return chunker.New(chunker.Config{
		SentencesPerChunk: cc.SentencesPerChunk,
		OverlapSentences:  cc.OverlapSentences,
		MaxChars:          cc.MaxChars,
	})
}
