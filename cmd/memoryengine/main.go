/*
memoryengine is the operator CLI for the memory engine: it wires the
embedding client/cache, vector store, relational graph store, and the
Memory/Consolidate/Graph/Backup managers from a single YAML config, then
dispatches to a subcommand.

Usage:

	memoryengine -config config.yaml <command> [flags]

Commands:

	store      store a new memory
	recall     semantic recall over stored memories
	get        fetch one memory by id
	delete     delete one memory by id
	link       create a graph edge between two memories
	related    list a memory's graph neighbors
	suggest    propose candidate relations for one memory
	consolidate  merge near-duplicate memories in a category
	forget     delete stale, unimportant, unlinked memories
	decay      apply importance decay in a category
	export     write a backup document to the configured destination
	import     restore memories and edges from a backup document
	reconcile  repair cross-store drift (orphan chunks, dangling edges)

Flags common to every command:

	-config string
	    Path to config.yaml (default "config.yaml")

Example:

	memoryengine -config config.yaml store -category semantic -content "Go uses goroutines for concurrency"
	memoryengine -config config.yaml recall -query "concurrency in Go" -limit 5
*/
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/trapias/memoria/internal/backup"
	"github.com/trapias/memoria/internal/config"
	"github.com/trapias/memoria/internal/consolidate"
	"github.com/trapias/memoria/internal/embedding"
	"github.com/trapias/memoria/internal/graphmgr"
	"github.com/trapias/memoria/internal/graphstore"
	"github.com/trapias/memoria/internal/memory"
	"github.com/trapias/memoria/internal/objectstore"
	"github.com/trapias/memoria/internal/observability"
	"github.com/trapias/memoria/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: memoryengine -config config.yaml <command> [flags]")
		os.Exit(1)
	}
	cmdName, rest := args[0], args[1:]

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	eng, closeFn, err := buildEngine(ctx, *cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build engine")
	}
	defer closeFn()

	// Startup drift check over a small sample; full repairs go through the
	// reconcile subcommand.
	if cmdName != "reconcile" {
		if _, err := eng.mgr.Reconcile(ctx, 64); err != nil {
			log.Warn().Err(err).Msg("startup reconciliation pass failed")
		}
	}

	if err := dispatch(ctx, eng, cmdName, rest); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmdName, err)
		os.Exit(1)
	}
}

// engine bundles the façades every subcommand draws on.
type engine struct {
	mgr         *memory.Manager
	consolidate *consolidate.Engine
	graph       *graphmgr.Manager
	backup      *backup.Engine
	cfg         config.Config
}

// buildEngine constructs the full dependency graph from cfg: embedding
// client/cache, vector store backend, graph store backend (or nil when
// disabled), and the managers layered on top. The returned close func
// releases every pooled resource.
func buildEngine(ctx context.Context, cfg config.Config) (*engine, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	embedClient := embedding.NewHTTPClient(cfg.Embedding)

	var embedCache embedding.Cache
	if cfg.Cache.Enabled {
		if cfg.Cache.RedisAddr != "" {
			rc, err := embedding.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.RedisDB, cfg.Cache.MaxEntries)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("connect embedding cache redis: %w", err)
			}
			closers = append(closers, func() { _ = rc.Close() })
			embedCache = rc
		} else {
			embedCache = embedding.NewMemoryCache(cfg.Cache.MaxEntries)
		}
	}

	vs, err := buildVectorStore(ctx, cfg.Vector)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, func() { _ = vs.Close() })

	var gs graphstore.Store
	if cfg.Graph.Enabled {
		gs, err = buildGraphStore(ctx, cfg.Graph)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = gs.Close() })
	}

	mgr := memory.New(vs, embedClient, embedCache, gs, cfg)
	return &engine{
		mgr:         mgr,
		consolidate: consolidate.New(mgr),
		graph:       graphmgr.New(mgr),
		backup:      backup.New(mgr),
		cfg:         cfg,
	}, closeAll, nil
}

func buildVectorStore(ctx context.Context, vc config.VectorConfig) (vectorstore.VectorStore, error) {
	switch vc.Backend {
	case "", "memory":
		return vectorstore.NewMemoryStore(vc.Dimension), nil
	case "qdrant":
		return vectorstore.NewQdrantStore(ctx, vc.DSN, vc.Dimension, vc.Metric)
	case "postgres":
		pool, err := pgxpool.New(ctx, vc.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect vector postgres: %w", err)
		}
		store, err := vectorstore.NewPostgresStore(ctx, pool, vc.Dimension, vc.Metric)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown vector.backend %q", vc.Backend)
	}
}

func buildGraphStore(ctx context.Context, gc config.GraphConfig) (graphstore.Store, error) {
	switch gc.Backend {
	case "", "memory":
		return graphstore.NewMemoryStore(), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, gc.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect graph postgres: %w", err)
		}
		store, err := graphstore.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown graph.backend %q", gc.Backend)
	}
}

func buildBackupDestination(ctx context.Context, bc config.BackupConfig) (backup.Destination, error) {
	switch bc.Destination {
	case "", "file":
		return backup.FileDestination{}, nil
	case "s3":
		store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{Bucket: bc.S3Bucket, Prefix: bc.S3Prefix})
		if err != nil {
			return nil, fmt.Errorf("connect backup s3: %w", err)
		}
		return backup.ObjectStoreDestination{Store: store, Prefix: bc.S3Prefix}, nil
	default:
		return nil, fmt.Errorf("unknown backup.destination %q", bc.Destination)
	}
}

func dispatch(ctx context.Context, eng *engine, cmdName string, args []string) error {
	switch cmdName {
	case "store":
		return cmdStore(ctx, eng, args)
	case "recall":
		return cmdRecall(ctx, eng, args)
	case "get":
		return cmdGet(ctx, eng, args)
	case "delete":
		return cmdDelete(ctx, eng, args)
	case "link":
		return cmdLink(ctx, eng, args)
	case "related":
		return cmdRelated(ctx, eng, args)
	case "suggest":
		return cmdSuggest(ctx, eng, args)
	case "consolidate":
		return cmdConsolidate(ctx, eng, args)
	case "forget":
		return cmdForget(ctx, eng, args)
	case "decay":
		return cmdDecay(ctx, eng, args)
	case "export":
		return cmdExport(ctx, eng, args)
	case "import":
		return cmdImport(ctx, eng, args)
	case "reconcile":
		return cmdReconcile(ctx, eng, args)
	default:
		return fmt.Errorf("unknown command %q", cmdName)
	}
}

func cmdStore(ctx context.Context, eng *engine, args []string) error {
	fs := flag.NewFlagSet("store", flag.ExitOnError)
	content := fs.String("content", "", "memory content (required)")
	category := fs.String("category", eng.cfg.DefaultCategory, "episodic|semantic|procedural")
	tags := fs.String("tags", "", "comma-separated tags")
	importance := fs.Float64("importance", 0.5, "importance in [0,1]")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *content == "" {
		return fmt.Errorf("-content is required")
	}
	id, err := eng.mgr.Store(ctx, memory.StoreRequest{
		Content:    *content,
		Category:   memory.Category(*category),
		Tags:       splitCSV(*tags),
		Importance: importance,
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func cmdRecall(ctx context.Context, eng *engine, args []string) error {
	fs := flag.NewFlagSet("recall", flag.ExitOnError)
	query := fs.String("query", "", "query text (required)")
	limit := fs.Int("limit", 0, "max results (0 = config default)")
	categories := fs.String("categories", "", "comma-separated categories (empty = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *query == "" {
		return fmt.Errorf("-query is required")
	}
	results, err := eng.mgr.Recall(ctx, memory.RecallRequest{
		Query:      *query,
		Limit:      *limit,
		Categories: categoriesOf(*categories),
	})
	if err != nil {
		return err
	}
	return printJSON(results)
}

func cmdGet(ctx context.Context, eng *engine, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	id := fs.String("id", "", "memory id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	mm, err := eng.mgr.Get(ctx, *id)
	if err != nil {
		return err
	}
	return printJSON(mm)
}

func cmdDelete(ctx context.Context, eng *engine, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	id := fs.String("id", "", "memory id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	return eng.mgr.Delete(ctx, *id)
}

func cmdLink(ctx context.Context, eng *engine, args []string) error {
	fs := flag.NewFlagSet("link", flag.ExitOnError)
	source := fs.String("source", "", "source memory id (required)")
	target := fs.String("target", "", "target memory id (required)")
	relType := fs.String("type", "", "relation type (required)")
	weight := fs.Float64("weight", 1.0, "edge weight in [0,1]")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *source == "" || *target == "" || *relType == "" {
		return fmt.Errorf("-source, -target, and -type are required")
	}
	edge, err := eng.graph.Link(ctx, *source, *target, graphstore.RelationType(*relType), *weight)
	if err != nil {
		return err
	}
	return printJSON(edge)
}

func cmdRelated(ctx context.Context, eng *engine, args []string) error {
	fs := flag.NewFlagSet("related", flag.ExitOnError)
	id := fs.String("id", "", "memory id (required)")
	depth := fs.Int("depth", 1, "traversal depth")
	limit := fs.Int("limit", 20, "max results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	related, err := eng.graph.RelatedQuery(ctx, *id, *depth, nil, graphstore.DirBoth, *limit)
	if err != nil {
		return err
	}
	return printJSON(related)
}

func cmdSuggest(ctx context.Context, eng *engine, args []string) error {
	fs := flag.NewFlagSet("suggest", flag.ExitOnError)
	id := fs.String("id", "", "memory id (required)")
	limit := fs.Int("limit", 10, "max suggestions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	suggestions, err := eng.graph.Suggest(ctx, *id, *limit)
	if err != nil {
		return err
	}
	return printJSON(suggestions)
}

func cmdConsolidate(ctx context.Context, eng *engine, args []string) error {
	fs := flag.NewFlagSet("consolidate", flag.ExitOnError)
	category := fs.String("category", "", "episodic|semantic|procedural (required)")
	threshold := fs.Float64("threshold", 0, "similarity threshold (0 = config default)")
	dryRun := fs.Bool("dry-run", false, "preview without writing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *category == "" {
		return fmt.Errorf("-category is required")
	}
	report, err := eng.consolidate.Consolidate(ctx, memory.Category(*category), consolidate.ConsolidateOptions{
		SimilarityThreshold: *threshold,
		DryRun:              *dryRun,
	})
	if err != nil {
		return err
	}
	return printJSON(report)
}

func cmdForget(ctx context.Context, eng *engine, args []string) error {
	fs := flag.NewFlagSet("forget", flag.ExitOnError)
	category := fs.String("category", "", "episodic|semantic|procedural (required)")
	maxAgeDays := fs.Int("max-age-days", eng.cfg.Consolidation.MaxAgeDays, "age threshold in days")
	minImportance := fs.Float64("min-importance", eng.cfg.Consolidation.MinImportance, "importance threshold")
	dryRun := fs.Bool("dry-run", false, "preview without writing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *category == "" {
		return fmt.Errorf("-category is required")
	}
	report, err := eng.consolidate.Forget(ctx, memory.Category(*category), *maxAgeDays, *minImportance, *dryRun)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func cmdDecay(ctx context.Context, eng *engine, args []string) error {
	fs := flag.NewFlagSet("decay", flag.ExitOnError)
	category := fs.String("category", "", "episodic|semantic|procedural (required)")
	halfLifeDays := fs.Int("half-life-days", eng.cfg.Consolidation.DecayHalfLifeDays, "importance half-life in days")
	dryRun := fs.Bool("dry-run", false, "preview without writing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *category == "" {
		return fmt.Errorf("-category is required")
	}
	report, err := eng.consolidate.Decay(ctx, memory.Category(*category), *halfLifeDays, *dryRun)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func cmdExport(ctx context.Context, eng *engine, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", "memoryengine-export.json", "destination file name")
	categories := fs.String("categories", "", "comma-separated categories (empty = all)")
	includeVectors := fs.Bool("include-vectors", false, "embed chunk vectors in the export")
	if err := fs.Parse(args); err != nil {
		return err
	}
	doc, err := eng.backup.Export(ctx, backup.ExportOptions{
		Categories:     categoriesOf(*categories),
		IncludeVectors: *includeVectors,
	})
	if err != nil {
		return err
	}
	data, err := backup.Marshal(doc)
	if err != nil {
		return err
	}
	dest, err := buildBackupDestination(ctx, eng.cfg.Backup)
	if err != nil {
		return err
	}
	if err := dest.Write(ctx, *out, data); err != nil {
		return err
	}
	fmt.Printf("exported %d memories, %d edges, %d rejections to %s\n", len(doc.Memories), len(doc.Edges), len(doc.Rejections), *out)
	return nil
}

func cmdImport(ctx context.Context, eng *engine, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	in := fs.String("in", "memoryengine-export.json", "source file name")
	skipExisting := fs.Bool("skip-existing", true, "skip memories that already exist")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dest, err := buildBackupDestination(ctx, eng.cfg.Backup)
	if err != nil {
		return err
	}
	data, err := dest.Read(ctx, *in)
	if err != nil {
		return err
	}
	doc, err := backup.Unmarshal(data)
	if err != nil {
		return err
	}
	report, err := eng.backup.Import(ctx, doc, backup.ImportOptions{SkipExisting: *skipExisting})
	if err != nil {
		return err
	}
	return printJSON(report)
}

func cmdReconcile(ctx context.Context, eng *engine, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	sample := fs.Int("sample", 256, "records scanned per collection")
	if err := fs.Parse(args); err != nil {
		return err
	}
	report, err := eng.mgr.Reconcile(ctx, *sample)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func categoriesOf(s string) []memory.Category {
	var out []memory.Category
	for _, c := range splitCSV(s) {
		out = append(out, memory.Category(c))
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
