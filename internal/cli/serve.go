package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/internal/config"
	httpAdapter "github.com/aretw0/arbor/pkg/adapters/http"
	"github.com/aretw0/arbor/pkg/adapters/mcp"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// ServeOptions contains the configuration for the serve command.
type ServeOptions struct {
	// GraphPaths are the graphs clients may start. Empty means runs can
	// only be resumed or inspected.
	GraphPaths []string
	Addr       string
	MCPAddr    string
}

// Serve hosts runs over HTTP, and over MCP when an MCP address is set,
// until ctx is done. Unfinished persisted runs are restored first.
func Serve(ctx context.Context, cfg config.Config, opts ServeOptions, logger *slog.Logger) error {
	graphs, err := loadGraphs(ctx, opts.GraphPaths)
	if err != nil {
		return err
	}

	st, err := NewStack(cfg, logger, StackOptions{Metrics: true, Bus: cfg.Events.Bus})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Engine.CancelGrace+5*time.Second)
		defer cancel()
		if cerr := st.Close(closeCtx); cerr != nil {
			logger.Warn("shutdown", "err", cerr)
		}
	}()

	restored, err := st.Manager.RestoreAll(ctx, st.Engine)
	if err != nil {
		logger.Warn("some runs could not be restored", "err", err)
	}
	if len(restored) > 0 {
		logger.Info("restored runs", "count", len(restored), "auto_resume", cfg.Engine.AutoResume)
	}

	httpOpts := []httpAdapter.Option{
		httpAdapter.WithGraphs(graphs...),
		httpAdapter.WithArchive(st.Manager),
		httpAdapter.WithMetricsHandler(promhttp.HandlerFor(st.Registry, promhttp.HandlerOpts{})),
		httpAdapter.WithLogger(logger),
		httpAdapter.WithVersion(arbor.Version),
	}
	if st.Bus != nil {
		httpOpts = append(httpOpts, httpAdapter.WithFeed(st.Bus))
	}
	srv := httpAdapter.NewServer(st.Engine, st.Engine.Hub(), httpOpts...)

	addr := opts.Addr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	mcpAddr := opts.MCPAddr
	if mcpAddr == "" {
		mcpAddr = cfg.Server.MCPAddr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return st.Manager.Run(gctx)
	})
	g.Go(func() error {
		return ignoreClosed(srv.ListenAndServe(gctx, addr))
	})
	if mcpAddr != "" {
		mcpSrv := mcp.NewServer(st.Engine,
			mcp.WithGraphs(graphs...),
			mcp.WithLogger(logger),
			mcp.WithVersion(arbor.Version),
		)
		g.Go(func() error {
			logger.Info("mcp server listening", "addr", mcpAddr)
			return ignoreClosed(mcpSrv.ServeSSE(gctx, mcpAddr))
		})
	}
	return g.Wait()
}

// MCPOptions contains the configuration for the mcp command.
type MCPOptions struct {
	GraphPaths []string
	// Transport is stdio or sse.
	Transport string
	Addr      string
}

// ServeMCP exposes the engine as MCP tools. Runs are kept in memory unless
// the configured store is used by serve as well.
func ServeMCP(ctx context.Context, cfg config.Config, opts MCPOptions, logger *slog.Logger) error {
	graphs, err := loadGraphs(ctx, opts.GraphPaths)
	if err != nil {
		return err
	}
	if opts.Transport != "stdio" && opts.Transport != "sse" {
		return fmt.Errorf("unknown transport %q, supported: stdio, sse", opts.Transport)
	}

	st, err := NewStack(cfg, logger, StackOptions{})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Engine.CancelGrace+5*time.Second)
		defer cancel()
		if cerr := st.Close(closeCtx); cerr != nil {
			logger.Warn("shutdown", "err", cerr)
		}
	}()

	srv := mcp.NewServer(st.Engine,
		mcp.WithGraphs(graphs...),
		mcp.WithLogger(logger),
		mcp.WithVersion(arbor.Version),
	)
	if opts.Transport == "stdio" {
		logger.Info("starting MCP server", "transport", "stdio")
		return srv.ServeStdio()
	}
	addr := opts.Addr
	if addr == "" {
		addr = cfg.Server.MCPAddr
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}
	logger.Info("starting MCP server", "transport", "sse", "addr", addr)
	return ignoreClosed(srv.ServeSSE(ctx, addr))
}

func loadGraphs(ctx context.Context, paths []string) ([]*domain.Graph, error) {
	graphs := make([]*domain.Graph, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		g, err := arbor.LoadGraph(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if prev, dup := seen[g.ID]; dup {
			return nil, fmt.Errorf("graph id %q is used by both %s and %s", g.ID, prev, p)
		}
		seen[g.ID] = p
		graphs = append(graphs, g)
	}
	return graphs, nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
