// Command eclia-toolhost is the MCP-stdio tool server the gateway spawns.
// It speaks newline-delimited JSON-RPC on stdin/stdout; logs go to stderr.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p3lera/eclia/internal/mcp"
	"github.com/p3lera/eclia/internal/toolhost"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(os.Stderr)

	flagRoot := flag.String("root", "", "project root for exec cwd resolution (default: cwd)")
	flag.Parse()

	root := *flagRoot
	if root == "" {
		root, _ = os.Getwd()
	}

	server := mcp.NewStdioServer(mcp.ServerInfo{Name: "eclia-toolhost", Version: "1.0.0"})
	server.RegisterTool(toolhost.NewExecTool(), (&toolhost.ExecHandler{Root: root}).Handle)

	log.Info().Str("root", root).Msg("tool host ready")
	if err := server.Run(context.Background(), os.Stdin, os.Stdout); err != nil {
		log.Error().Err(err).Msg("tool host terminated")
		os.Exit(1)
	}
}
