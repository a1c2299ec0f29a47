package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/config"
	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/fhir"
	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/lens"
	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/logging"
	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/pipeline"
)

var version = "dev"

var (
	verbose    bool
	configPath string

	epiPath   string
	ipsPath   string
	lensPaths []string
	output    string
	timeout   time.Duration
	failFast  bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "lee",
	Short: "Lens Execution Environment - personalize ePI documents with focusing lenses",
	Long: `lee applies a chain of focusing lenses to the leaflet narrative of an
electronic product information (ePI) document, driven by a patient's
clinical context (IPS). Each lens runs in a fresh isolate under a
wall-clock deadline; no single lens can corrupt the document or stall
the pipeline.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.SetDefault(logging.NewZapSink(logger))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var focusCmd = &cobra.Command{
	Use:   "focus",
	Short: "Apply lenses to an ePI document",
	Long: `Reads an ePI document, a patient context bundle, and one or more lens
definitions from JSON files, applies the lenses in order, and writes the
focused document.

Example:
  lee focus --epi epi.json --ips ips.json --lens diabetes.json --lens allergy.json`,
	RunE: runFocus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the lee version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to lee.yaml")

	focusCmd.Flags().StringVar(&epiPath, "epi", "", "ePI document JSON file (required)")
	focusCmd.Flags().StringVar(&ipsPath, "ips", "", "patient context bundle JSON file")
	focusCmd.Flags().StringArrayVar(&lensPaths, "lens", nil, "lens definition JSON file (repeatable, applied in order)")
	focusCmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	focusCmd.Flags().DurationVar(&timeout, "timeout", 0, "per-lens execution timeout (overrides config)")
	focusCmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop after the first failing lens")
	_ = focusCmd.MarkFlagRequired("epi")

	rootCmd.AddCommand(focusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runFocus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if timeout > 0 {
		cfg.ExecutionTimeout = timeout
	}
	if failFast {
		cfg.FailFast = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	doc, err := readJSON(epiPath)
	if err != nil {
		return fmt.Errorf("read ePI: %w", err)
	}

	var patientContext map[string]interface{}
	if ipsPath != "" {
		if patientContext, err = readJSON(ipsPath); err != nil {
			return fmt.Errorf("read IPS: %w", err)
		}
	}

	lenses := make([]lens.Definition, 0, len(lensPaths))
	for _, p := range lensPaths {
		def, err := readJSON(p)
		if err != nil {
			return fmt.Errorf("read lens %s: %w", p, err)
		}
		lenses = append(lenses, def)
	}

	result, err := pipeline.ApplyLenses(cmd.Context(), doc, patientContext, lenses, cfg)
	if err != nil {
		return err
	}

	for i, errs := range result.FocusingErrors {
		for _, fe := range errs {
			logger.Warn("lens failed",
				zap.Int("position", i),
				zap.String("lens", fe.Lens),
				zap.String("message", fe.Message))
		}
	}

	return writeJSON(output, result.Document)
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default().WithEnv(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	return cfg.WithEnv(), nil
}

func readJSON(path string) (fhir.Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out fhir.Resource
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
