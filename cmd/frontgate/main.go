// frontgateのエントリポイント。
// ブラウザと上流RESTサービスの間に立ち、セッションと認証ガード、素通し転送、ダッシュボード集計を担当する。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version はビルド時に -ldflags "-X main.version=..." で埋め込む。
var version = "dev"

// newRootCmd はルートコマンドを生成する。
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "frontgate",
		Short:         "ブラウザ向けの認証付きゲートウェイ",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newConfigCmd(), newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
