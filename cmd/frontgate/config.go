package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nao1215/frontgate/internal/config"
)

// defaultConfigPath は config init の既定の出力先。
const defaultConfigPath = "frontgate.yaml"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "設定ファイルを扱う",
	}
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "デフォルト値で設定ファイルを生成する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteFile(output, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "設定ファイルを生成しました: %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", defaultConfigPath, "出力先のパス")
	return cmd
}
