package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ParseArguments converts command-line arguments into a map of flags and
// values. The first bare word selects the command (serve or analyze).
func ParseArguments() map[string]string {
	args := make(map[string]string)

	command := ""
	commandIndex := -1
	for i := 1; i < len(os.Args); i++ {
		if os.Args[i] == "serve" || os.Args[i] == "analyze" {
			command = os.Args[i]
			commandIndex = i
			break
		}
	}

	if command != "" {
		args["command"] = command
	}

	for i := 1; i < len(os.Args); i++ {
		if i == commandIndex {
			continue
		}

		arg := os.Args[i]

		// Handle flags with equals sign (--key=value)
		if strings.HasPrefix(arg, "--") && strings.Contains(arg, "=") {
			parts := strings.SplitN(arg, "=", 2)
			flagName := strings.TrimPrefix(parts[0], "--")
			args[flagName] = parts[1]
			continue
		}

		// Handle flags without equals sign (--key value)
		if strings.HasPrefix(arg, "--") {
			flagName := strings.TrimPrefix(arg, "--")

			if i+1 >= len(os.Args) || strings.HasPrefix(os.Args[i+1], "--") {
				args[flagName] = "true"
			} else {
				args[flagName] = os.Args[i+1]
				i++
			}
		}
	}

	return args
}

// PrintUsage outputs the command-line usage instructions.
func PrintUsage() {
	fmt.Printf("Usage:\n")
	fmt.Printf("  %s serve [--config=PATH] [--listen=ADDR] [--database=PATH] [--images=PATH] [--debug] [--logfile=PATH]\n", os.Args[0])
	fmt.Printf("  %s analyze --folder=PATH [--threshold=VALUE] [--kind=NAME] [--database=PATH] [--debug] [--logfile=PATH]\n", os.Args[0])
	fmt.Printf("\nParameters:\n")
	fmt.Printf("  --config      : Path to YAML configuration file\n")
	fmt.Printf("  --listen      : Listen address for the HTTP API (default: :8480)\n")
	fmt.Printf("  --images      : Root directory the server resolves image ids against\n")
	fmt.Printf("  --folder      : Folder of images to analyze in one shot\n")
	fmt.Printf("  --threshold   : Grouping similarity threshold (0.0-1.0, default: 0.5)\n")
	fmt.Printf("  --kind        : Fingerprint kind: average, difference, perceptual, wavelet (default: perceptual)\n")
	fmt.Printf("  --database    : Path to the job database file\n")
	fmt.Printf("  --workers     : Worker pool size (default: 3/4 of CPU cores)\n")
	fmt.Printf("  --debug       : Enable debug mode (logs detailed information)\n")
	fmt.Printf("  --logfile     : Custom log file path (default: imagetrace.log)\n")
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  %s serve --config=imagetrace.yaml\n", os.Args[0])
	fmt.Printf("  %s analyze --folder=/path/to/images --threshold=0.6\n", os.Args[0])
}

// ParseThreshold parses and validates a threshold value.
func ParseThreshold(thresholdStr string) (float64, error) {
	parsedThreshold, err := strconv.ParseFloat(thresholdStr, 64)
	if err != nil || parsedThreshold < 0 || parsedThreshold > 1 {
		return 0.5, fmt.Errorf("invalid threshold value '%s', using default (0.5)", thresholdStr)
	}
	return parsedThreshold, nil
}

// ParseWorkers parses and validates a worker-count value.
func ParseWorkers(workersStr string) (int, error) {
	parsed, err := strconv.Atoi(workersStr)
	if err != nil || parsed < 1 {
		return 0, fmt.Errorf("invalid workers value '%s'", workersStr)
	}
	return parsed, nil
}
