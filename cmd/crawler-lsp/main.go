// Command crawler-lsp serves background analysis diagnostics over the
// Language Server Protocol.
package main

import (
	"context"
	"flag"
	"io"
	"os"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rlch/crawler/lsp"
	"github.com/rlch/crawler/registration"
)

func main() {
	preview := flag.Bool("preview", false, "analyze open documents only")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// stdout carries the protocol.
	config := zap.NewDevelopmentConfig()
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if *debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	defer func() {
		_ = logger.Sync()
	}()

	mode := registration.ModeHost
	if *preview {
		mode = registration.ModePreview
	}

	logger.Info("starting crawler-lsp", zap.Stringer("mode", mode))

	if err := run(context.Background(), logger, mode, os.Stdin, os.Stdout); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger, mode registration.Mode, in io.Reader, out io.Writer) error {
	stream := jsonrpc2.NewStream(&readWriteCloser{in, out})
	conn := jsonrpc2.NewConn(stream)

	client := protocol.ClientDispatcher(conn, logger)
	server := lsp.NewServer(client, logger, lsp.WithMode(mode))

	conn.Go(ctx, protocol.ServerHandler(server, nil))

	<-conn.Done()

	return conn.Err()
}

// readWriteCloser joins stdin and stdout into one stream.
type readWriteCloser struct {
	io.Reader
	io.Writer
}

func (rwc *readWriteCloser) Close() error {
	if c, ok := rwc.Writer.(io.Closer); ok {
		return c.Close()
	}

	return nil
}
