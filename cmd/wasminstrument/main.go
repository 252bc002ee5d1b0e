// Command wasminstrument applies gas metering and/or a stack-height limit
// to a WebAssembly binary.
//
// Grounded on cmd/wazero/wazero.go's subcommand dispatch shape (doMain
// delegating to one doX per subcommand), translated to cobra+viper per
// palaseus-Adrenochain's cmd/gochain/main.go CLI/config layout — the
// teacher's own CLI uses bare flag, but a three-subcommand tool with a
// config file fits cobra/viper's shape better.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tetratelabs/wazero-instrument/gasmeter"
	"github.com/tetratelabs/wazero-instrument/stacklimit"
)

var (
	configFile       string
	modulePath       string
	outPath          string
	gasModuleName    string
	gasCost          uint64
	memoryGrowCost   uint64
	stackLimitBudget uint32
)

func main() {
	root := &cobra.Command{
		Use:   "wasminstrument",
		Short: "wasminstrument injects gas metering and stack-height limits into Wasm modules",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./wasminstrument.yaml)")
	root.PersistentFlags().StringVar(&modulePath, "module", "", "path to the input .wasm module")
	root.PersistentFlags().StringVar(&outPath, "out", "", "path to write the rewritten .wasm module")
	_ = root.MarkPersistentFlagRequired("module")
	_ = root.MarkPersistentFlagRequired("out")

	root.AddCommand(gasCmd(), stackCmd(), bothCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func gasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gas",
		Short: "inject gas metering",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			raw, err := readModule()
			if err != nil {
				return err
			}
			rules := gasmeter.NewConstantCostRules(gasCost, memoryGrowCost)
			out, err := gasmeter.InjectRaw(raw, rules, gasModuleName)
			if err != nil {
				return fmt.Errorf("gas injection: %w", err)
			}
			return writeModule(out)
		},
	}
	addGasFlags(cmd)
	return cmd
}

func stackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stack",
		Short: "inject a stack-height limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			raw, err := readModule()
			if err != nil {
				return err
			}
			out, err := stacklimit.Inject(raw, stackLimitBudget)
			if err != nil {
				return fmt.Errorf("stack limiting: %w", err)
			}
			return writeModule(out)
		},
	}
	addStackFlags(cmd)
	return cmd
}

func bothCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "both",
		Short: "inject gas metering, then a stack-height limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			raw, err := readModule()
			if err != nil {
				return err
			}
			rules := gasmeter.NewConstantCostRules(gasCost, memoryGrowCost)
			gassed, err := gasmeter.InjectRaw(raw, rules, gasModuleName)
			if err != nil {
				return fmt.Errorf("gas injection: %w", err)
			}
			out, err := stacklimit.Inject(gassed, stackLimitBudget)
			if err != nil {
				return fmt.Errorf("stack limiting: %w", err)
			}
			return writeModule(out)
		},
	}
	addGasFlags(cmd)
	addStackFlags(cmd)
	return cmd
}

func addGasFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&gasModuleName, "gas-module", "env", "import module name the host supplies the gas_counter global under")
	cmd.Flags().Uint64Var(&gasCost, "gas-cost", 1, "flat cost charged per instruction")
	cmd.Flags().Uint64Var(&memoryGrowCost, "memory-grow-cost", 0, "per-page cost charged for memory.grow (0 disables the dynamic-cost thunk)")
}

func addStackFlags(cmd *cobra.Command) {
	cmd.Flags().Uint32Var(&stackLimitBudget, "limit", 65536, "maximum call-stack height before trapping")
}

// loadConfig reads wasminstrument.yaml (or the file named by --config) and
// binds it against cmd's flags, so a value set in the config file takes
// effect for any flag the caller didn't pass explicitly on the command
// line. Flag > config file > flag default, the usual cobra/viper precedence.
func loadConfig(cmd *cobra.Command) error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("wasminstrument")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}

	gasModuleName = viper.GetString("gas-module")
	gasCost = viper.GetUint64("gas-cost")
	memoryGrowCost = viper.GetUint64("memory-grow-cost")
	stackLimitBudget = uint32(viper.GetUint64("limit"))
	return nil
}

func readModule() ([]byte, error) {
	raw, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", modulePath, err)
	}
	return raw, nil
}

func writeModule(out []byte) error {
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}
	return nil
}
