package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/terrapoint/internal/resolver"
	"github.com/MeKo-Tech/terrapoint/internal/types"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <lat> <lon>",
	Short: "Resolve one point elevation and print the result as JSON",
	Args:  cobra.ExactArgs(2),
	RunE:  runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().String("provider", "", "Preferred provider id to try first")

	if err := viper.BindPFlag("resolve.provider", resolveCmd.Flags().Lookup("provider")); err != nil {
		panic(fmt.Sprintf("failed to bind flag: %v", err))
	}
}

func runResolve(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil || lat < -90 || lat > 90 {
		return fmt.Errorf("bad latitude %q", args[0])
	}
	lon, err := strconv.ParseFloat(args[1], 64)
	if err != nil || lon < -180 || lon > 180 {
		return fmt.Errorf("bad longitude %q", args[1])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	sel, err := resolver.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	res, err := sel.Resolve(ctx, types.Query{
		Lat:               lat,
		Lon:               lon,
		PreferredProvider: viper.GetString("resolve.provider"),
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
