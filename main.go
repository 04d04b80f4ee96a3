package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"time"

	"imagetrace/analysis"
	"imagetrace/api"
	"imagetrace/config"
	"imagetrace/database"
	"imagetrace/logging"
	"imagetrace/signalhandler"
	"imagetrace/storage"
	"imagetrace/types"
	"imagetrace/utils"
)

func main() {
	// Set the optimal number of CPUs to use
	runtime.GOMAXPROCS(signalhandler.GetOptimalProcs())

	// Parse command line arguments into a map
	args := utils.ParseArguments()

	// Get the command (serve or analyze)
	command, hasCommand := args["command"]

	// Setup debug logging if enabled
	debugMode := false
	if _, ok := args["debug"]; ok {
		debugMode = true
		logPath := "imagetrace.log"
		if customLogPath, ok := args["logfile"]; ok && customLogPath != "" {
			logPath = customLogPath
		}
		if err := logging.SetupLogger(logPath); err != nil {
			fmt.Printf("Warning: Failed to setup logging: %v\n", err)
		} else {
			logging.SetLevel("debug")
			fmt.Printf("Debug mode enabled. Logging to: %s\n", logPath)
		}
	}
	defer logging.CloseLogger()

	// Check if required arguments are missing
	showUsage := !hasCommand

	if hasCommand && command == "analyze" && args["folder"] == "" {
		showUsage = true
	}

	if showUsage {
		utils.PrintUsage()
		os.Exit(1)
	}

	switch command {
	case "serve":
		handleServeCommand(args, debugMode)
	case "analyze":
		handleAnalyzeCommand(args, debugMode)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		utils.PrintUsage()
		os.Exit(1)
	}
}

func handleServeCommand(args map[string]string, debugMode bool) {
	ctx := signalhandler.SetupHandler()

	cfg, err := config.Load(args["config"])
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	// Command-line flags override the file/environment layers
	if listen, ok := args["listen"]; ok && listen != "" {
		cfg.ListenAddr = listen
	}
	if dbPath, ok := args["database"]; ok && dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if imageRoot, ok := args["images"]; ok && imageRoot != "" {
		cfg.ImageRoot = imageRoot
	}
	if workersStr, ok := args["workers"]; ok && workersStr != "" {
		workers, err := utils.ParseWorkers(workersStr)
		if err != nil {
			fmt.Printf("Warning: %v\n", err)
		} else {
			cfg.Workers = workers
		}
	}
	if !debugMode {
		if cfg.LogFile != "" {
			if err := logging.SetupLogger(cfg.LogFile); err != nil {
				fmt.Printf("Warning: Failed to setup logging: %v\n", err)
			}
		}
		logging.SetLevel(cfg.LogLevel)
	}

	store, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Error opening job database: %v", err)
	}
	defer store.Close()

	source, err := storage.NewDirectorySource(cfg.ImageRoot)
	if err != nil {
		log.Fatalf("Error opening image root: %v", err)
	}
	defer source.Close()

	controller := analysis.NewController(source, store, cfg.Workers)
	handler := api.NewHandler(controller, cfg.DefaultThreshold, types.HashKind(cfg.FingerprintKind))

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logging.LogInfo("Listening on %s (image root: %s)", cfg.ListenAddr, cfg.ImageRoot)
		fmt.Printf("Listening on %s\n", cfg.ListenAddr)
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.LogError("Shutdown error: %v", err)
		}
	}
}

func handleAnalyzeCommand(args map[string]string, debugMode bool) {
	ctx := signalhandler.SetupHandler()

	folderPath := args["folder"]

	// Verify folder path exists and is accessible
	folderInfo, err := os.Stat(folderPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Fatalf("Folder path does not exist: %s", folderPath)
		} else {
			log.Fatalf("Cannot access folder path: %s (%v)", folderPath, err)
		}
	}
	if !folderInfo.IsDir() {
		log.Fatalf("Path is not a directory: %s", folderPath)
	}

	// Set custom threshold if provided
	threshold := 0.5
	if thresholdStr, ok := args["threshold"]; ok {
		parsedThreshold, err := utils.ParseThreshold(thresholdStr)
		if err != nil {
			fmt.Printf("Warning: %v\n", err)
		} else {
			threshold = parsedThreshold
		}
	}

	kind := types.HashPerceptual
	if kindStr, ok := args["kind"]; ok && kindStr != "" {
		kind = types.HashKind(kindStr)
		if !kind.Valid() {
			log.Fatalf("Unknown fingerprint kind: %s", kindStr)
		}
	}

	workers := signalhandler.GetOptimalProcs()
	if workersStr, ok := args["workers"]; ok && workersStr != "" {
		parsed, err := utils.ParseWorkers(workersStr)
		if err != nil {
			fmt.Printf("Warning: %v\n", err)
		} else {
			workers = parsed
		}
	}

	startTime := time.Now()

	source, err := storage.NewDirectorySource(folderPath)
	if err != nil {
		log.Fatalf("Error opening folder: %v", err)
	}
	defer source.Close()

	imageIDs, err := source.List()
	if err != nil {
		log.Fatalf("Error listing images: %v", err)
	}
	if len(imageIDs) == 0 {
		log.Fatalf("No supported images found in %s", folderPath)
	}

	// Persist the job only when a database path was given
	var store *database.Store
	if dbPath, ok := args["database"]; ok && dbPath != "" {
		store, err = database.Open(dbPath)
		if err != nil {
			log.Fatalf("Error opening job database: %v", err)
		}
		defer store.Close()
	}

	fmt.Printf("Analyzing %d images (threshold: %.2f, fingerprint: %s, workers: %d)\n",
		len(imageIDs), threshold, kind, workers)

	controller := analysis.NewController(source, store, workers)
	jobID, err := controller.StartAnalysis(ctx, folderPath, imageIDs, threshold, kind)
	if err != nil {
		log.Fatalf("Error starting analysis: %v", err)
	}

	result := waitForResult(ctx, controller, jobID, debugMode)

	duration := time.Since(startTime)
	printResult(result)
	fmt.Printf("\nTotal analysis time: %v\n", duration)
}

func waitForResult(ctx context.Context, controller *analysis.Controller, jobID string, debugMode bool) *types.JobResult {
	lastProgress := -1
	for {
		status, progress, err := controller.JobStatus(jobID)
		if err != nil {
			log.Fatalf("Error checking job status: %v", err)
		}
		if progress != lastProgress {
			lastProgress = progress
			fmt.Printf("\rProgress: %d%%", progress)
			if debugMode {
				logging.LogJobEvent(jobID, string(status), fmt.Sprintf("progress %d%%", progress))
			}
		}
		if status.Terminal() {
			fmt.Println()
			break
		}

		select {
		case <-ctx.Done():
			fmt.Println("\nCancelling...")
			if err := controller.Cancel(jobID); err != nil {
				log.Fatalf("Error cancelling job: %v", err)
			}
		case <-time.After(200 * time.Millisecond):
		}
	}

	result, err := controller.JobResult(jobID)
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}
	return result
}

func printResult(result *types.JobResult) {
	fmt.Printf("\nGroups of similar images:\n")
	if len(result.Groups) == 0 {
		fmt.Println("No similar images found.")
	}
	for i, group := range result.Groups {
		fmt.Printf("%d. Similarity %.4f:\n", i+1, group.SimilarityScore)
		for _, member := range group.Members {
			fmt.Printf("   - %s\n", member)
		}
	}

	fmt.Printf("\nUnique images: %d\n", len(result.UniqueImages))
	for _, id := range result.UniqueImages {
		fmt.Printf("   - %s\n", id)
	}

	if len(result.SkippedImages) > 0 {
		fmt.Printf("\nSkipped (unreadable): %d\n", len(result.SkippedImages))
		for _, id := range result.SkippedImages {
			fmt.Printf("   - %s\n", id)
		}
	}
}
