package main

import (
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/oisee/memplan/pkg/cluster"
	"github.com/oisee/memplan/pkg/config"
	"github.com/oisee/memplan/pkg/dsl"
	"github.com/oisee/memplan/pkg/engine"
	"github.com/oisee/memplan/pkg/memprog"
	"github.com/oisee/memplan/pkg/progfile"
	"github.com/oisee/memplan/pkg/programs"
	"github.com/oisee/memplan/pkg/protocol"
)

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "memplan",
		Short: "memplan — memory-aware planner and executor for secure computation bytecode",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	var statsOut string
	planCmd := &cobra.Command{
		Use:   "plan <program> <config.yaml> <garbler|evaluator> <index> <size>",
		Short: "Run the offline planning pipeline for one worker",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseWorkerArgs(args)
			if err != nil {
				return err
			}
			entry, err := programs.Lookup(req.program)
			if err != nil {
				printValidProgramNames(cmd)
				return err
			}

			pipeline := &memprog.Pipeline{
				ProblemName:        req.problemName(),
				PageShift:          req.worker.PageShift,
				NumPages:           req.worker.NumPages,
				PrefetchBufferSize: req.worker.PrefetchBufferSize,
				PrefetchLookahead:  req.worker.PrefetchLookahead,
			}
			err = pipeline.Plan("plaintext", protocol.PlaintextSizer(), func(prog *memprog.Program) error {
				return entry.Build(dsl.NewContext(prog), programs.Options{
					NumWorkers:  req.numWorkers,
					WorkerIndex: req.index,
					ProblemSize: req.size,
				})
			})
			if err != nil {
				return err
			}

			stats := pipeline.Stats()
			log.WithFields(log.Fields{
				"placement_ms":   stats.PlacementDuration.Milliseconds(),
				"replacement_ms": stats.ReplacementDuration.Milliseconds(),
				"scheduling_ms":  stats.SchedulingDuration.Milliseconds(),
			}).Info("phase times")
			if statsOut != "" {
				f, err := os.Create(statsOut)
				if err != nil {
					return err
				}
				defer f.Close()
				return stats.WriteJSON(f)
			}
			return nil
		},
	}
	planCmd.Flags().StringVar(&statsOut, "stats", "", "Write planning statistics to a JSON file")

	var protocolName string
	var garblerInput, evaluatorInput, outputFile string
	runCmd := &cobra.Command{
		Use:   "run <program> <config.yaml> <garbler|evaluator> <index> <size>",
		Short: "Execute a planned memory program",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseWorkerArgs(args)
			if err != nil {
				return err
			}
			if protocolName != "plaintext" {
				return fmt.Errorf("unknown protocol %q", protocolName)
			}

			memprogPath := req.problemName() + ".memprog"
			r, err := progfile.OpenPhys(memprogPath)
			if err != nil {
				return err
			}
			header := r.Header()
			r.Close()

			if garblerInput == "" {
				garblerInput = req.problemName() + ".garbler.input"
			}
			if evaluatorInput == "" {
				evaluatorInput = req.problemName() + ".evaluator.input"
			}
			if outputFile == "" {
				outputFile = req.problemName() + ".output"
			}
			gate, err := protocol.NewPlaintextGate(garblerInput, evaluatorInput, outputFile)
			if err != nil {
				return err
			}
			defer gate.Close()

			var mesh *cluster.Network
			if req.numWorkers > 1 {
				mesh, err = cluster.Establish(req.index, req.party.InternalEndpoints(), 0)
				if err != nil {
					return err
				}
				defer mesh.Close()
			}

			eng, err := engine.New(protocol.NewBitEngine(protocolName, gate), mesh, req.worker.StoragePath, header)
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.Run(memprogPath); err != nil {
				return err
			}
			log.WithField("output", outputFile).Info("execution complete")
			return nil
		},
	}
	runCmd.Flags().StringVar(&protocolName, "protocol", "plaintext", "Protocol backend")
	runCmd.Flags().StringVar(&garblerInput, "garbler-input", "", "Garbler input bit file")
	runCmd.Flags().StringVar(&evaluatorInput, "evaluator-input", "", "Evaluator input bit file")
	runCmd.Flags().StringVar(&outputFile, "output", "", "Output bit file")

	meshCmd := &cobra.Command{
		Use:   "mesh-check <config.yaml> <garbler|evaluator> <index>",
		Short: "Establish and tear down the intra-party worker mesh",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			party, err := cfg.Party(args[1])
			if err != nil {
				return err
			}
			index, err := strconv.ParseUint(args[2], 10, 32)
			if err != nil {
				return fmt.Errorf("worker index: %w", err)
			}
			mesh, err := cluster.Establish(uint32(index), party.InternalEndpoints(), 0)
			if err != nil {
				return err
			}
			defer mesh.Close()
			log.WithField("workers", mesh.NumWorkers()).Info("mesh complete")
			return nil
		},
	}

	programsCmd := &cobra.Command{
		Use:   "programs",
		Short: "List the registered circuit programs",
		Run: func(cmd *cobra.Command, args []string) {
			for _, e := range programs.All() {
				fmt.Printf("%s - %s\n", e.Name, e.Description)
			}
		},
	}

	rootCmd.AddCommand(planCmd, runCmd, meshCmd, programsCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// printValidProgramNames writes the list of registered program names to
// cmd's error output, for use alongside an "invalid program name" error.
func printValidProgramNames(cmd *cobra.Command) {
	cmd.PrintErrln("valid program names:")
	for _, e := range programs.All() {
		cmd.PrintErrf("  %s - %s\n", e.Name, e.Description)
	}
}

// workerRequest is the parsed common argument tuple of plan and run.
type workerRequest struct {
	program    string
	role       string
	index      uint32
	size       uint64
	numWorkers uint32
	party      *config.Party
	worker     *config.Worker
}

func (r *workerRequest) problemName() string {
	return fmt.Sprintf("%s_%d_%d", r.program, r.size, r.index)
}

func parseWorkerArgs(args []string) (*workerRequest, error) {
	req := &workerRequest{program: args[0], role: args[2]}
	if req.role != "garbler" && req.role != "evaluator" {
		return nil, fmt.Errorf("role %q is neither garbler nor evaluator", req.role)
	}

	cfg, err := config.Load(args[1])
	if err != nil {
		return nil, err
	}
	party, err := cfg.Party(req.role)
	if err != nil {
		return nil, err
	}
	req.party = party
	req.numWorkers = uint32(len(party.Workers))

	index, err := strconv.ParseUint(args[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("worker index: %w", err)
	}
	req.index = uint32(index)
	if req.index >= req.numWorkers {
		return nil, fmt.Errorf("worker index is %d but there are only %d workers", req.index, req.numWorkers)
	}
	req.worker = &party.Workers[req.index]

	req.size, err = strconv.ParseUint(args[4], 10, 64)
	if err != nil || req.size == 0 {
		return nil, fmt.Errorf("bad problem size %q", args[4])
	}
	return req, nil
}
