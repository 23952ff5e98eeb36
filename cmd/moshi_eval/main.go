package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-moshi/internal/arrow_client"
	"github.com/23skdu/longbow-moshi/internal/config"
	"github.com/23skdu/longbow-moshi/internal/cpu"
	"github.com/23skdu/longbow-moshi/internal/engine"
	"github.com/23skdu/longbow-moshi/internal/logger"
	"github.com/23skdu/longbow-moshi/internal/model"
	"github.com/23skdu/longbow-moshi/internal/tokenizer"
)

var (
	weightsPath = flag.String("weights", "", "Path to the .safetensors or .gguf weights (default ~/tmp/"+config.DefaultWeightsFile+")")
	dtypeFlag   = flag.String("dtype", "bf16", "Parameter precision: f32, f16 or bf16")
	strict      = flag.Bool("strict", true, "Fail when archive and model parameter names differ")
	tiny        = flag.Bool("tiny", false, "Use the tiny test configuration instead of the 1B model")
	vocabPath   = flag.String("vocab", "", "Exported vocab JSON used to print top-k pieces")
	topK        = flag.Int("topk", 5, "Number of top logits to print")
	temperature = flag.Float64("temp", 0, "Sampling temperature for the reported first token, <= 0 is greedy")
	seed        = flag.Int64("seed", 0, "Sampler seed, 0 picks one from the clock")
	tracePath   = flag.String("trace", "", "Write per-layer activations of the step as JSON")
	arrowPath   = flag.String("logits-arrow", "", "Write the logits as an Arrow IPC file")
	flightAddr  = flag.String("flight", "", "Send the logits record to an Arrow Flight server at host:port")
	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics, empty disables")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
)

func fatal(msg string, err error) {
	logger.Log.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	home, err := os.UserHomeDir()
	if err != nil {
		fatal("cannot resolve home directory", err)
	}
	paths := config.DefaultPaths(home)
	if *weightsPath != "" {
		paths.Weights = *weightsPath
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			logger.Log.Info("metrics serving", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Log.Error("metrics server error", "error", err)
			}
		}()
	}

	dtype, err := cpu.ParseDType(*dtypeFlag)
	if err != nil {
		fatal("invalid -dtype", err)
	}

	cfg := config.Config1B()
	if *tiny {
		cfg = config.Tiny()
	}
	logger.Log.Info("building model", "config", cfg.String())

	start := time.Now()
	lm := model.New(cfg)
	if err := lm.SetDType(dtype); err != nil {
		fatal("set dtype", err)
	}
	logger.Log.Info("model instantiated", "params", lm.NumParams(), "dtype", string(dtype),
		"elapsed", time.Since(start))

	if err := lm.LoadWeights(paths.Weights, *strict); err != nil {
		fatal("load weights", err)
	}

	e, err := engine.New(lm)
	if err != nil {
		fatal("create engine", err)
	}
	defer e.Close()
	if *tracePath != "" {
		e.Trace().Enable()
	}

	logits, err := e.RunOne()
	if err != nil {
		fatal("step", err)
	}
	fmt.Println(engine.FormatLogits(logits))

	audit := engine.AuditLogits(logits)
	logger.Log.Info("logits", "count", len(logits), "min", audit.Min, "max", audit.Max,
		"mean", audit.Mean, "rms", audit.RMS, "nan", audit.NumNaNs, "inf", audit.NumInfs)
	if audit.HasExtremeValues || audit.IsFlat {
		logger.Log.Warn("suspicious logits", "extreme", audit.HasExtremeValues, "flat", audit.IsFlat)
	}

	var vocab tokenizer.Vocab
	if *vocabPath != "" {
		vocab, err = tokenizer.LoadVocab(*vocabPath)
		if err != nil {
			fatal("load vocab", err)
		}
	}
	for rank, c := range engine.TopK(logits, *topK) {
		piece, _ := vocab.Piece(c.ID)
		fmt.Printf("%2d  %6d  %10.4f  %q\n", rank+1, c.ID, c.Logit, piece)
	}

	sampler := engine.NewSampler(engine.SamplerConfig{Temperature: *temperature, TopP: 0.95, Seed: *seed})
	first := sampler.Sample(logits)
	piece, _ := vocab.Piece(first)
	logger.Log.Info("sampled first", "id", first, "piece", piece, "temp", *temperature)

	if *tracePath != "" {
		if err := e.Trace().SaveToFile(*tracePath); err != nil {
			fatal("save trace", err)
		}
		logger.Log.Info("trace written", "path", *tracePath)
	}

	if *arrowPath == "" && *flightAddr == "" {
		return
	}
	rec := arrow_client.LogitsRecord(memory.DefaultAllocator, logits, vocab, map[string]string{
		"step":  "0",
		"dtype": string(dtype),
	})
	defer rec.Release()

	if *arrowPath != "" {
		if err := arrow_client.WriteIPCFile(*arrowPath, rec); err != nil {
			fatal("write logits arrow file", err)
		}
		logger.Log.Info("logits written", "path", *arrowPath)
	}
	if *flightAddr != "" {
		if err := sendFlight(*flightAddr, rec); err != nil {
			fatal("send logits", err)
		}
	}
}

func sendFlight(addr string, rec arrow.Record) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	client := arrow_client.NewFlightClient(host, port)
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()
	return client.DoPut(ctx, "logits", rec)
}
