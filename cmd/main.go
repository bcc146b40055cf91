package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/platereader"
	"github.com/knights-analytics/platereader/options"
	"github.com/knights-analytics/platereader/pipelines"
	"github.com/knights-analytics/platereader/server"
	"github.com/knights-analytics/platereader/util/checks"
	"github.com/knights-analytics/platereader/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var modelPath string
var inputPath string
var outputPath string
var backend string
var batchSize int
var numThreads int
var port int
var logLevel string

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".webp": true}

var modelFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "model",
		Usage:       "Path to the model directory, weight file or .onnx file (local or s3://)",
		Aliases:     []string{"m"},
		EnvVars:     []string{"PLATEREADER_MODEL"},
		Destination: &modelPath,
		Required:    true,
	},
	&cli.StringFlag{
		Name:        "backend",
		Usage:       "Inference backend: GO or ONNX",
		EnvVars:     []string{"PLATEREADER_BACKEND"},
		Destination: &backend,
		Value:       "GO",
	},
	&cli.IntFlag{
		Name:        "threads",
		Usage:       "Images of a batch run concurrently (GO backend). Defaults to the number of physical cores",
		EnvVars:     []string{"PLATEREADER_THREADS"},
		Destination: &numThreads,
	},
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Read the plates in a set of cropped plate images",
	Description: `Run reads plate images (jpg, png, bmp, webp) from a file or a folder, or image paths from stdin, one per line,
				and writes one json line {"input": path, "output": plate, "labels": [...]} per image.
				`,
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to an image or a folder of images. If omitted, image paths are read from stdin",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Folder where to write result-0.jsonl. If omitted, the output is sent to stdout",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of images to process in a batch",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       20,
		},
	}, modelFlags...),
	Action: func(ctx *cli.Context) error {
		session, pipe, err := newPipeline()
		if err != nil {
			return err
		}
		defer func() {
			checks.CheckWithMessage(session.Destroy(), "destroying session")
		}()

		inputChannel := make(chan []string, 1000)
		processedChannel := make(chan []byte, 1000)
		errorsChannel := make(chan error, 1000)
		var processedWg, writeWg sync.WaitGroup

		processedWg.Add(1)
		go processWithPipeline(&processedWg, inputChannel, processedChannel, errorsChannel, pipe)

		var writer io.WriteCloser = os.Stdout
		if outputPath != "" {
			writer, err = fileutil.NewFileWriter(fileutil.PathJoinSafe(outputPath, "result-0.jsonl"), "application/jsonl")
			if err != nil {
				return err
			}
		}
		writeWg.Add(1)
		go writeOutputs(&writeWg, processedChannel, errorsChannel, writer)

		readErr := readInputs(ctx.Context, inputChannel)
		close(inputChannel)
		processedWg.Wait()
		close(processedChannel)
		close(errorsChannel)
		writeWg.Wait()
		if outputPath != "" {
			readErr = errors.Join(readErr, writer.Close())
		}
		return readErr
	},
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Serve plate recognition over HTTP",
	Description: `Serve exposes POST /v1/recognize, taking {"image_base64": "..."} and returning {"plate": "...", "labels": [...]},
				and GET /healthz.
				`,
	Flags: append([]cli.Flag{
		&cli.IntFlag{
			Name:        "port",
			Usage:       "Port to listen on",
			EnvVars:     []string{"PLATEREADER_PORT"},
			Destination: &port,
			Value:       8080,
		},
	}, modelFlags...),
	Action: func(ctx *cli.Context) error {
		session, pipe, err := newPipeline()
		if err != nil {
			return err
		}
		defer func() {
			checks.CheckWithMessage(session.Destroy(), "destroying session")
		}()

		gin.SetMode(gin.ReleaseMode)
		signalCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return server.Serve(signalCtx, fmt.Sprintf(":%d", port), server.NewRouter(pipe))
	},
}

func newPipeline() (*platereader.Session, *pipelines.PlateRecognitionPipeline, error) {
	var session *platereader.Session
	var err error
	switch strings.ToUpper(backend) {
	case "GO":
		var opts []options.WithOption
		if numThreads > 0 {
			opts = append(opts, options.WithIntraOpNumThreads(numThreads))
		}
		session, err = platereader.NewGoSession(opts...)
	case "ONNX":
		session, err = platereader.NewONNXSession()
	default:
		return nil, nil, fmt.Errorf("backend %s not implemented", backend)
	}
	if err != nil {
		return nil, nil, err
	}
	pipe, err := platereader.NewPipeline(session, platereader.PlateRecognitionConfig{
		ModelPath: modelPath,
		Name:      "cliPipeline",
	})
	if err != nil {
		return nil, nil, errors.Join(err, session.Destroy())
	}
	return session, pipe, nil
}

func setupLogging(level string) {
	log.DefaultLogger = log.Logger{
		Level:  log.ParseLevel(level),
		Caller: 0,
		Writer: &log.IOWriter{Writer: os.Stderr},
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "platereader",
		Usage: "License plate recognition from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Log level: debug, info, warn or error",
				EnvVars:     []string{"PLATEREADER_LOG_LEVEL"},
				Destination: &logLevel,
				Value:       "info",
			},
		},
		Before: func(*cli.Context) error {
			setupLogging(logLevel)
			return nil
		},
		Commands: []*cli.Command{runCommand, serveCommand},
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not read .env")
	}
	checks.Check(newApp().Run(os.Args))
}

func writeOutputs(wg *sync.WaitGroup, processedChannel chan []byte, errorChannel chan error, writeTarget io.Writer) {
	defer wg.Done()
	for processedChannel != nil || errorChannel != nil {
		select {
		case output, ok := <-processedChannel:
			if !ok {
				processedChannel = nil
				continue
			}
			_, err := writeTarget.Write(append(output, '\n'))
			checks.CheckWithMessage(err, "writing output")
		case err, ok := <-errorChannel:
			if !ok {
				errorChannel = nil
				continue
			}
			log.Error().Err(err).Msg("processing batch")
		}
	}
}

type result struct {
	Input  string `json:"input"`
	Output string `json:"output"`
	Labels []int  `json:"labels"`
}

func processWithPipeline(wg *sync.WaitGroup, inputChannel chan []string, processedChannel chan []byte, errorsChannel chan error, p *pipelines.PlateRecognitionPipeline) {
	defer wg.Done()
	for inputBatch := range inputChannel {
		output, err := p.RunPipeline(inputBatch)
		if err != nil {
			errorsChannel <- err
			continue
		}
		for i, r := range output.Results {
			outputBytes, marshallErr := json.Marshal(result{Input: inputBatch[i], Output: r.Plate, Labels: r.Labels})
			if marshallErr != nil {
				errorsChannel <- marshallErr
			} else {
				processedChannel <- outputBytes
			}
		}
	}
}

// readInputs sends image paths in batches: the input file, the images below the input folder,
// or the lines of stdin when no input is given.
func readInputs(ctx context.Context, inputChannel chan []string) error {
	size := max(batchSize, 1)
	batch := make([]string, 0, size)
	emit := func(path string) {
		batch = append(batch, path)
		if len(batch) == size {
			inputChannel <- batch
			batch = make([]string, 0, size)
		}
	}

	if inputPath == "" {
		if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				if line := strings.TrimSpace(scanner.Text()); line != "" {
					emit(line)
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
		}
	} else {
		exists, err := fileutil.FileExists(inputPath)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("file %s does not exist", inputPath)
		}
		if imageExtensions[strings.ToLower(filepath.Ext(inputPath))] {
			emit(inputPath)
		} else {
			files, err := listImages(inputPath)
			if err != nil {
				return err
			}
			for _, f := range files {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				emit(f)
			}
		}
	}
	if len(batch) > 0 {
		inputChannel <- batch
	}
	return nil
}

// listImages returns the images below dir in lexical order. Extensions match case-insensitively.
func listImages(dir string) ([]string, error) {
	found, err := fileutil.FindFiles(dir, "")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, f := range found {
		if imageExtensions[strings.ToLower(filepath.Ext(f[1]))] {
			files = append(files, fileutil.PathJoinSafe(f...))
		}
	}
	slices.Sort(files)
	return files, nil
}
