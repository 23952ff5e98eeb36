package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-moshi/internal/arrow_client"
	"github.com/23skdu/longbow-moshi/internal/config"
	"github.com/23skdu/longbow-moshi/internal/logger"
	"github.com/23skdu/longbow-moshi/internal/tokenizer"
)

var (
	modelPath = flag.String("model", "", "SentencePiece model (default ~/tmp/"+config.DefaultTokenizerFile+")")
	outPath   = flag.String("out", "", "Output JSON (default ~/tmp/"+config.DefaultVocabFile+")")
	arrowPath = flag.String("arrow", "", "Also write the vocab table as an Arrow IPC file")
	logLevel  = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	home, err := os.UserHomeDir()
	if err != nil {
		logger.Log.Error("cannot resolve home directory", "error", err)
		os.Exit(1)
	}
	paths := config.DefaultPaths(home)
	if *modelPath != "" {
		paths.Tokenizer = *modelPath
	}
	if *outPath != "" {
		paths.VocabOut = *outPath
	}

	vocab, err := tokenizer.ExportFile(paths.Tokenizer, paths.VocabOut)
	if err != nil {
		logger.Log.Error("vocab export failed", "model", paths.Tokenizer, "error", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d pieces to %s (digest %016x)\n", len(vocab), paths.VocabOut, vocab.Digest())

	if *arrowPath != "" {
		rec := arrow_client.VocabRecord(memory.DefaultAllocator, vocab)
		defer rec.Release()
		if err := arrow_client.WriteIPCFile(*arrowPath, rec); err != nil {
			logger.Log.Error("arrow export failed", "path", *arrowPath, "error", err)
			os.Exit(1)
		}
		logger.Log.Info("vocab table written", "path", *arrowPath, "rows", rec.NumRows())
	}
}
