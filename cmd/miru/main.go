// Package main is the miru CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/cli"
	"github.com/hyperjump/miru/internal/config"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/search"
	"github.com/hyperjump/miru/internal/server"
	"github.com/hyperjump/miru/internal/storage"
	"github.com/hyperjump/miru/internal/watcher"
	"github.com/hyperjump/miru/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/miru/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded (for saving, etc.).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "search":
		runSearch()
	case "import":
		runImport()
	case "reindex":
		runReindex()
	case "category":
		runCategory()
	case "watch":
		runWatch()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("miru version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// fatalf prints to stderr and exits.
func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// openLocal loads config and initializes components for one-shot commands.
func openLocal(configPath string) (*config.Config, *Components, *zap.Logger) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	logger := utils.NewCLILogger(cfg.Debug)
	components, err := initializeComponents(context.Background(), cfg, logger)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	return cfg, components, logger
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (imports, rebuilds, directory changes)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	if _, err := components.Indexer.Rebuild(ctx); err != nil {
		logger.Warn("initial index build failed; searches return 503 until a reindex succeeds", zap.Error(err))
	}

	watchOpts := []watcher.WatcherOption{}
	if debugMode {
		watchOpts = append(watchOpts, watcher.WithLogger(logger))
	}
	watchSvc := watcher.NewWatcher(
		watchTarget{idx: components.Indexer},
		cfg.Watch.Directories,
		cfg.Watch.RecursiveOrDefault(),
		watchOpts...,
	)
	if err := watchSvc.Start(ctx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	watchSvc.SyncExistingFiles()

	srv := server.NewServer(
		components.Engine,
		components.Indexer,
		components.Storage,
		components.Images,
		cfg,
		logger,
		server.WithWatch(watchSvc, resolvedConfigPath),
	)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchSvc.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
}

// printSearchUsage prints search subcommand usage.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: miru search [flags] <image-file>\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
The best match is the indexed image with the highest combined score
(1-w)*visual + w*category, where w is the category weight.
  • Use --weight 0 for a purely visual ranking.
  • Use --top-k to widen the candidate pool that is re-ranked.

Examples:
  miru search photo.jpg
  miru search --weight 0.5 --top-k 20 photo.jpg
  miru search photo.jpg --output json        # flags may follow the image
  miru search --server "" photo.jpg          # no running server
`)
}

// searchConfigPathFromArgs returns the value of -config/--config from args if present, else defaultPath.
func searchConfigPathFromArgs(args []string, defaultPath string) string {
	for i, a := range args {
		if (a == "-config" || a == "--config") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return defaultPath
}

// searchTopKDefaultFromConfig loads config at path and returns its top_k.
// On load failure, returns models.DefaultTopK.
func searchTopKDefaultFromConfig(path string) int {
	cfg, _, err := loadConfig(path)
	if err != nil || cfg == nil || cfg.Search.TopK <= 0 {
		return models.DefaultTopK
	}
	return cfg.Search.TopK
}

// searchArgsReorder moves any flags (and their values) that appear after the
// image path to the front of the slice so that flag.Parse() sees them.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// parseWeight parses the --weight flag. An empty value selects the configured default.
func parseWeight(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	w, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid weight %q", s)
	}
	if math.IsNaN(w) || w < 0 || w > 1 {
		return nil, fmt.Errorf("weight %v outside [0,1]", w)
	}
	return &w, nil
}

func runSearch() {
	searchArgs := searchArgsReorder(os.Args[2:])
	configPath := searchConfigPathFromArgs(searchArgs, defaultConfigPath)

	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPathFlag := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = search local storage directly)")
	topK := fs.Int("top-k", searchTopKDefaultFromConfig(configPath), "number of visual candidates to re-rank")
	weightFlag := fs.String("weight", "", "category weight in [0,1] (default from config)")
	noExplain := fs.Bool("no-explain", false, "skip the natural-language explanation")
	outputFormat := fs.String("output", "text", "output format: text (human-readable), compact (one match per line), or json (parseable)")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgs)

	if fs.NArg() != 1 {
		printSearchUsage(fs)
		os.Exit(1)
	}
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	weight, err := parseWeight(*weightFlag)
	if err != nil {
		fatalf("%v", err)
	}
	imagePath := fs.Arg(0)
	data, err := os.ReadFile(imagePath)
	if err != nil {
		fatalf("Failed to read image: %v", err)
	}
	opts := searchOptions{TopK: *topK, Weight: weight}
	if *noExplain {
		no := false
		opts.Explain = &no
	}

	var result *models.SearchResult
	if *serverURL != "" {
		result, err = newAPIClient(*serverURL).Search(imagePath, data, opts)
	} else {
		result, err = searchLocal(*configPathFlag, data, opts)
	}
	if err != nil {
		fatalf("Search failed: %v", err)
	}
	if err := cli.WriteSearchResults(os.Stdout, result, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

// searchLocal builds the index from local storage and runs one search.
func searchLocal(configPath string, data []byte, opts searchOptions) (*models.SearchResult, error) {
	_, components, _ := openLocal(configPath)
	defer components.Close()
	ctx := context.Background()
	if _, err := components.Indexer.Rebuild(ctx); err != nil {
		return nil, err
	}
	return components.Engine.Search(ctx, &models.SearchQuery{
		Image:   data,
		TopK:    opts.TopK,
		Weight:  opts.Weight,
		Explain: opts.Explain,
	})
}

func runImport() {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL to reindex after importing (empty = skip)")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: miru import [flags] <file-or-directory>")
		fmt.Println("Each image is filed under a category named after its parent directory.")
		os.Exit(1)
	}
	path := fs.Arg(0)

	_, components, _ := openLocal(*configPath)
	defer components.Close()

	ctx := context.Background()
	info, err := os.Stat(path)
	if err != nil {
		fatalf("Failed to stat path: %v", err)
	}
	if info.IsDir() {
		stats, err := components.Indexer.ImportDirectory(ctx, path)
		if err != nil {
			fatalf("Import failed: %v", err)
		}
		fmt.Printf("Imported %d, skipped %d, failed %d from %s\n", stats.Imported, stats.Skipped, stats.Failed, path)
	} else {
		res, err := components.Indexer.ImportFile(ctx, path)
		if err != nil {
			fatalf("Import failed: %v", err)
		}
		if res.Duplicate {
			fmt.Printf("Already imported: %s (image %d)\n", path, res.Image.ID)
		} else {
			fmt.Printf("Imported %s as image %d\n", path, res.Image.ID)
		}
	}

	if *serverURL != "" {
		stats, err := newAPIClient(*serverURL).Reindex()
		if err != nil {
			fatalf("Server reindex failed: %v", err)
		}
		fmt.Printf("Server reindexed %d image(s)\n", stats.Indexed)
	}
}

func runReindex() {
	fs := flag.NewFlagSet("reindex", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = build from local storage to validate the corpus)")
	_ = fs.Parse(os.Args[2:])

	var stats *search.BuildStats
	var err error
	if *serverURL != "" {
		stats, err = newAPIClient(*serverURL).Reindex()
	} else {
		_, components, _ := openLocal(*configPath)
		defer components.Close()
		stats, err = components.Indexer.Rebuild(context.Background())
	}
	if err != nil {
		fatalf("Reindex failed: %v", err)
	}
	fmt.Printf("Indexed %d image(s), skipped %d, %d categories in %s\n",
		stats.Indexed, stats.Skipped, stats.Categories, stats.Duration.Round(time.Millisecond))
}

// resolveCategory finds a category by numeric id or by name.
func resolveCategory(cats []*models.Category, ref string) (*models.Category, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		for _, c := range cats {
			if c.ID == id {
				return c, nil
			}
		}
	}
	for _, c := range cats {
		if strings.EqualFold(c.Name, strings.TrimSpace(ref)) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("category %q: %w", ref, storage.ErrNotFound)
}

func printCategoryUsage() {
	fmt.Println("Usage: miru category <add|list|describe|delete> [flags] [args]")
	fmt.Println("  miru category add [--description text] <name>   Create a category")
	fmt.Println("  miru category list [--output text|json]          List categories")
	fmt.Println("  miru category describe <id|name> <text>          Set a category description")
	fmt.Println("  miru category delete <id|name>                   Delete a category and its images")
}

func runCategory() {
	if len(os.Args) < 3 {
		printCategoryUsage()
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("category", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use local storage directly)")
	description := fs.String("description", "", "category description (add)")
	outputFormat := fs.String("output", "text", "output format: text or json (list)")
	_ = fs.Parse(searchArgsReorder(os.Args[3:]))

	var cat catalog
	if *serverURL != "" {
		cat = remoteCatalog{client: newAPIClient(*serverURL)}
	} else {
		_, components, _ := openLocal(*configPath)
		defer components.Close()
		cat = localCatalog{components: components}
	}
	ctx := context.Background()

	switch sub {
	case "add":
		if fs.NArg() < 1 {
			printCategoryUsage()
			os.Exit(1)
		}
		input := &models.CategoryInput{Name: strings.Join(fs.Args(), " ")}
		if *description != "" {
			input.Description = description
		}
		created, err := cat.Create(ctx, input)
		if err != nil {
			fatalf("Create failed: %v", err)
		}
		fmt.Printf("Created category %d: %s\n", created.ID, created.Name)
	case "list":
		format, err := cli.ParseFormat(*outputFormat)
		if err != nil {
			fatalf("%v", err)
		}
		cats, counts, err := cat.List(ctx)
		if err != nil {
			fatalf("List failed: %v", err)
		}
		if err := cli.WriteCategories(os.Stdout, cats, counts, format); err != nil {
			fatalf("Output failed: %v", err)
		}
	case "describe":
		if fs.NArg() < 2 {
			printCategoryUsage()
			os.Exit(1)
		}
		target := findCategory(ctx, cat, fs.Arg(0))
		text := strings.Join(fs.Args()[1:], " ")
		updated, err := cat.Update(ctx, target.ID, &models.CategoryInput{Description: &text})
		if err != nil {
			fatalf("Update failed: %v", err)
		}
		fmt.Printf("Updated category %d: %s\n", updated.ID, updated.Name)
	case "delete":
		if fs.NArg() < 1 {
			printCategoryUsage()
			os.Exit(1)
		}
		target := findCategory(ctx, cat, fs.Arg(0))
		if err := cat.Delete(ctx, target.ID); err != nil {
			fatalf("Delete failed: %v", err)
		}
		fmt.Printf("Deleted category %d: %s\n", target.ID, target.Name)
	default:
		fmt.Printf("Unknown category subcommand: %s\n", sub)
		printCategoryUsage()
		os.Exit(1)
	}
}

func findCategory(ctx context.Context, cat catalog, ref string) *models.Category {
	cats, _, err := cat.List(ctx)
	if err != nil {
		fatalf("List failed: %v", err)
	}
	found, err := resolveCategory(cats, ref)
	if err != nil {
		fatalf("%v", err)
	}
	return found
}

func runWatch() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: miru watch <add|remove|list> [path]")
		fmt.Println("  miru watch add <path>     Add an inbox directory to watch")
		fmt.Println("  miru watch remove <path>  Stop watching a directory")
		fmt.Println("  miru watch list           List watched directories")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(os.Args[3:])
	client := newAPIClient(*serverURL)
	switch sub {
	case "add":
		if fs.NArg() < 1 {
			fmt.Println("Usage: miru watch add <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		if err := client.AddWatchDirectory(path); err != nil {
			fatalf("Add failed: %v", err)
		}
		fmt.Printf("Added: %s\n", path)
	case "remove":
		if fs.NArg() < 1 {
			fmt.Println("Usage: miru watch remove <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		if err := client.RemoveWatchDirectory(path); err != nil {
			fatalf("Remove failed: %v", err)
		}
		fmt.Printf("Removed: %s\n", path)
	case "list":
		dirs, err := client.WatchDirectories()
		if err != nil {
			fatalf("List failed: %v", err)
		}
		for _, d := range dirs {
			fmt.Println(d)
		}
	default:
		fmt.Printf("Unknown watch subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use local storage directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var status *server.StatusResponse
	if *serverURL != "" {
		res, err := newAPIClient(*serverURL).Status()
		if err != nil {
			fatalf("Status failed: %v", err)
		}
		status = res
	} else {
		cfg, components, _ := openLocal(*configPath)
		defer components.Close()
		res, err := localStatus(context.Background(), cfg, components)
		if err != nil {
			fatalf("Status failed: %v", err)
		}
		status = res
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fatalf("Output failed: %v", err)
		}
	case "text":
		writeStatusText(status)
	default:
		fatalf("Unknown output format %q; use text or json", *outputFormat)
	}
}

func localStatus(ctx context.Context, cfg *config.Config, c *Components) (*server.StatusResponse, error) {
	cats, err := c.Storage.CountCategories(ctx)
	if err != nil {
		return nil, err
	}
	images, err := c.Storage.CountImages(ctx)
	if err != nil {
		return nil, err
	}
	status := &server.StatusResponse{
		Engine:     c.Engine.Stats(),
		Categories: cats,
		Images:     images,
		Config: map[string]interface{}{
			"provider":        cfg.Embedding.Provider,
			"category_weight": cfg.Search.CategoryWeightOrDefault(),
			"anchor_policy":   cfg.Search.AnchorPolicy,
			"storage_backend": cfg.Storage.Backend,
			"database_path":   cfg.Storage.DatabasePath,
		},
	}
	imagesDir := ""
	if cfg.Storage.Backend == config.BackendDisk {
		imagesDir = cfg.Storage.ImagesDir
	}
	if usage, err := storage.MeasureDiskUsage(cfg.Storage.DatabasePath, imagesDir); err == nil {
		status.Disk = &usage
	}
	return status, nil
}

func writeStatusText(status *server.StatusResponse) {
	fmt.Printf("engine_state:       %s\n", status.Engine.State)
	fmt.Printf("categories:         %d   # stored categories\n", status.Categories)
	fmt.Printf("images:             %d   # stored images\n", status.Images)
	fmt.Printf("indexed_images:     %d   # vectors in the live index\n", status.Engine.Images)
	fmt.Printf("profiles:           %d   # categories with an anchor\n", status.Engine.Profiles)
	if status.Engine.Dimensions > 0 {
		fmt.Printf("dimensions:         %d\n", status.Engine.Dimensions)
	}
	if status.Disk != nil {
		fmt.Printf("disk_usage_bytes:   %d   # database + stored images\n", status.Disk.Total())
	}
	if len(status.Config) > 0 {
		fmt.Println()
		fmt.Println("# configuration")
		for _, key := range []string{"provider", "image_model", "category_weight", "anchor_policy", "storage_backend", "database_path", "images_dir"} {
			if v, ok := status.Config[key]; ok && v != "" {
				fmt.Printf("%-19s %v\n", key+":", v)
			}
		}
	}
}

func printUsage() {
	fmt.Println(`miru - Image retrieval with category-aware ranking

Usage:
  miru server [flags]                  Start the HTTP server
  miru search [flags] <image>          Find the closest stored image
  miru import [flags] <dir|file>       Import images (category = parent directory)
  miru reindex [flags]                 Rebuild the index from storage
  miru category <add|list|describe|delete>  Manage categories
  miru status [flags]                  Show engine/storage status
  miru watch <add|remove|list>         Manage watched inbox directories
  miru version                         Show version
  miru help                            Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/miru/config.yaml)
  --debug            Enable debug logging

Search Flags:
  --config string    Config file path (direct mode; also the default for --top-k)
  --server string    Server URL (default: http://localhost:8080). Use --server "" to search local storage.
  --top-k int        Visual candidates to re-rank (default from config, or 10)
  --weight float     Category weight in [0,1] (default from config, or 0.3)
  --no-explain       Skip the explanation
  --output string    Output format: text, compact or json (default: text)

Import Flags:
  --config string    Config file path
  --server string    Reindex this server afterwards

Status, Reindex and Category Flags:
  --config string    Config file path (direct mode)
  --server string    Server URL (default: http://localhost:8080). Use --server "" for direct mode.

Examples:
  miru server
  miru import ~/Pictures/pets
  miru category add --description "small domesticated felines" cats
  miru category describe cats "independent, curious animals"
  miru search photo.jpg
  miru search --output json --weight 0.5 photo.jpg
  miru status --output json
  miru watch add ~/Pictures/inbox`)
}
