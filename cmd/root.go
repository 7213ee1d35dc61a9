package cmd

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	sim "github.com/pharmacometric/NSIMS/sim"
)

var (
	// CLI flags for the virtual trial run
	configPath    string // Model configuration file (control stream or YAML/JSON)
	outputDir     string // Directory for report files; empty = stdout summary only
	nPatients     int    // Override for the number of virtual patients
	seed          int64  // Override for the master random seed
	logLevel      string // Log verbosity level
	endpointsFrom string // Override for the endpoint source series
	failurePolicy string // What an unstable patient does to the run
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "nsims",
	Short: "Population pharmacokinetic virtual-trial simulator",
}

// runCmd loads a model configuration and executes the virtual trial
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a virtual trial from a model configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if configPath == "" {
			logrus.Fatalf("Model configuration file not provided. Exiting simulation.")
		}

		spec, err := sim.LoadFile(configPath)
		if err != nil {
			logrus.Fatalf("unable to load model configuration: %v", err)
		}

		// CLI overrides beat file values when the flag was set explicitly.
		if cmd.Flags().Changed("patients") {
			spec.NPatients = nPatients
		}
		if cmd.Flags().Changed("seed") {
			spec.Seed = seed
		}
		if cmd.Flags().Changed("endpoints") {
			switch endpointsFrom {
			case "observed":
				spec.EndpointsFrom = sim.EndpointsObserved
			case "predicted":
				spec.EndpointsFrom = sim.EndpointsPredicted
			default:
				logrus.Fatalf("Invalid endpoint source: %s (want observed or predicted)", endpointsFrom)
			}
		}
		if err := spec.Validate(); err != nil {
			logrus.Fatalf("invalid configuration after overrides: %v", err)
		}

		policy, err := sim.ParseFailurePolicy(failurePolicy)
		if err != nil {
			logrus.Fatalf("Invalid failure policy: %v", err)
		}

		startTime := time.Now()

		s := sim.NewSimulator(spec, policy)
		res, err := s.Run()
		if err != nil {
			logrus.Fatalf("simulation failed: %v", err)
		}

		summary := sim.Summarize(res)
		summary.Print(os.Stdout, spec)

		if outputDir != "" {
			if err := WriteReports(outputDir, res, summary, time.Since(startTime)); err != nil {
				logrus.Fatalf("unable to write reports: %v", err)
			}
			logrus.Infof("Reports written to %s", outputDir)
		}

		logrus.Infof("Simulation complete in %v.", time.Since(startTime).Round(time.Millisecond))
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Model configuration file (.ctl/.mod control stream or .yaml/.json)")
	runCmd.Flags().StringVar(&outputDir, "output", "", "Directory for CSV/JSON/Markdown reports")
	runCmd.Flags().IntVar(&nPatients, "patients", 0, "Number of virtual patients (overrides the file)")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Master seed for patient substream derivation (overrides the file)")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&endpointsFrom, "endpoints", "observed", "Series feeding Cmax/Tmax/AUC (observed or predicted)")
	runCmd.Flags().StringVar(&failurePolicy, "on-error", "fail", "Unstable-patient policy (fail or skip)")

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}
