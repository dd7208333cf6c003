package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"resound/config"
	"resound/logger"
	"resound/player"
	"resound/sequencer"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "resound",
	Short: "A gapless chunk-sequenced audio player",
	Long: `Resound plays audio assets that are delivered in fixed-size chunks,
scheduling each chunk on a rotating pool of voices so that consecutive
chunks hand off sample-accurately with no gap.

The player exposes an interactive transport: play, pause, seek, speed
with pitch preservation, volume, balance and per-channel gain.`,
	RunE: runPlayer,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Local flags for the player command
	rootCmd.Flags().StringP("source", "s", "tone", "chunk source kind (tone, dir, http)")
	rootCmd.Flags().String("url", "", "chunk server URL for the http source")
	rootCmd.Flags().String("dir", "", "chunk directory for the dir source")
	rootCmd.Flags().Int("chunk-ms", 5000, "chunk size in milliseconds")
	rootCmd.Flags().Int("overlap-ms", 0, "trailing overlap per chunk in milliseconds")
	rootCmd.Flags().Duration("timeout", 10*time.Second, "chunk fetch timeout")
	rootCmd.Flags().Int("sample-rate", 44100, "output sample rate")
	rootCmd.Flags().Int("voices", 2, "number of voices in the rotation")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().String("log-format", "text", "log format (text, json)")

	// Bind flags to viper
	viper.BindPFlag("source.kind", rootCmd.Flags().Lookup("source"))
	viper.BindPFlag("source.url", rootCmd.Flags().Lookup("url"))
	viper.BindPFlag("source.dir", rootCmd.Flags().Lookup("dir"))
	viper.BindPFlag("source.chunk_ms", rootCmd.Flags().Lookup("chunk-ms"))
	viper.BindPFlag("source.overlap_ms", rootCmd.Flags().Lookup("overlap-ms"))
	viper.BindPFlag("source.timeout", rootCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("audio.sample_rate", rootCmd.Flags().Lookup("sample-rate"))
	viper.BindPFlag("audio.voices", rootCmd.Flags().Lookup("voices"))
	viper.BindPFlag("logging.level", rootCmd.Flags().Lookup("log-level"))
	viper.BindPFlag("logging.format", rootCmd.Flags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if verbose {
		viper.Set("logging.level", "debug")
	}
}

// runPlayer starts the player and drops into the interactive transport.
func runPlayer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// Setup logging
	if err := logger.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Create and initialize the player
	p := player.New(cfg)
	if err := p.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize player: %w", err)
	}
	defer p.Close()

	seq := p.Sequencer()
	seq.OnStop(func() {
		fmt.Println("\nplayback finished")
	})

	// Setup graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	return transportLoop(ctx, p)
}

// transportLoop reads transport commands from the terminal until quit,
// EOF or context cancellation.
func transportLoop(ctx context.Context, p *player.Player) error {
	rl, err := readline.New("resound> ")
	if err != nil {
		return fmt.Errorf("failed to open terminal: %w", err)
	}
	defer rl.Close()

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	seq := p.Sequencer()
	for {
		line, err := rl.Readline()
		if err != nil {
			// Interrupt or EOF ends the session.
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		if err := dispatch(seq, fields); err != nil {
			fmt.Println(err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func dispatch(seq *sequencer.Sequencer, fields []string) error {
	switch fields[0] {
	case "play":
		if len(fields) > 1 {
			ms, err := strconv.Atoi(fields[1])
			if err != nil {
				return fmt.Errorf("play: bad offset %q", fields[1])
			}
			seq.PlayFrom(time.Duration(ms) * time.Millisecond)
			return nil
		}
		seq.Play()
	case "pause":
		seq.Pause()
	case "resume":
		seq.Resume()
	case "stop":
		seq.Stop()
	case "seek":
		if len(fields) < 2 {
			return fmt.Errorf("usage: seek <ms>")
		}
		ms, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("seek: bad position %q", fields[1])
		}
		if !seq.Seek(time.Duration(ms) * time.Millisecond) {
			return fmt.Errorf("seek: position out of range")
		}
	case "back":
		seq.Seek(seq.Position() - 5*time.Second)
	case "fwd":
		seq.Seek(seq.Position() + 5*time.Second)
	case "pos":
		fmt.Printf("%s / %s (%s)\n",
			player.FormatPosition(seq.Position()),
			player.FormatPosition(seq.Duration()),
			seq.State())
	case "speed":
		if len(fields) < 2 {
			fmt.Printf("speed %.2f\n", seq.Speed())
			return nil
		}
		f, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("speed: bad factor %q", fields[1])
		}
		return seq.SetSpeed(f)
	case "vol":
		if len(fields) < 2 {
			fmt.Printf("volume %.2f\n", seq.Volume())
			return nil
		}
		f, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("vol: bad level %q", fields[1])
		}
		seq.SetVolume(f)
	case "bal":
		if len(fields) < 2 {
			fmt.Printf("balance %.2f\n", seq.Balance())
			return nil
		}
		f, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("bal: bad balance %q", fields[1])
		}
		seq.SetBalance(f)
	case "gain":
		if len(fields) < 3 {
			return fmt.Errorf("usage: gain <left> <right>")
		}
		l, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("gain: bad left gain %q", fields[1])
		}
		r, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return fmt.Errorf("gain: bad right gain %q", fields[2])
		}
		seq.SetChannelGain(0, l)
		seq.SetChannelGain(1, r)
	case "help":
		fmt.Println("commands: play [ms], pause, resume, stop, seek <ms>, back, fwd,")
		fmt.Println("          pos, speed [f], vol [0..1], bal [-1..1], gain <l> <r>, quit")
	default:
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	return nil
}
