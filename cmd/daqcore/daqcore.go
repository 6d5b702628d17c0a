package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"github.com/usnistgov/daqcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// ensureFile creates dir and an empty dir/filename unless they exist, and
// returns the full file name.
func ensureFile(dir, filename string) (string, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}
	fullname := filepath.Join(dir, filename)
	f, err := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0664)
	if errors.Is(err, fs.ErrExist) {
		return fullname, nil
	}
	if err != nil {
		return "", err
	}
	return fullname, f.Close()
}

// setupViper reads config.yaml from /etc/daqcore, configDir or the working
// directory. The "acquire" section defaults to one simulated board with
// 4 inputs and 2 outputs on the emulated kernel module.
func setupViper(configDir string) error {
	viper.SetDefault("database", false)
	viper.SetDefault("acquire", map[string]any{
		"module":     daqcore.NoModuleName,
		"buffertime": daqcore.DefaultBufferTime,
		"updatetime": daqcore.DefaultUpdateTime,
		"inputs": []map[string]any{
			{"ident": "sim-ai", "type": "sim", "board": "sim0", "channels": 4, "maxrate": 100000.0},
		},
		"outputs": []map[string]any{
			{"ident": "sim-ao", "type": "sim", "board": "sim0", "channels": 2, "maxrate": 100000.0},
		},
		"outtraces": []map[string]any{
			{"name": "V-1", "device": 0, "channel": 0, "scale": 1.0, "unit": "V"},
			{"name": "V-2", "device": 0, "channel": 1, "scale": 1.0, "unit": "V"},
		},
	})

	if _, err := ensureFile(configDir, "config.yaml"); err != nil {
		return err
	}
	viper.SetConfigName("config")
	viper.AddConfigPath("/etc/daqcore")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	return nil
}

// rotatingLogger writes to filename, rotated at 10 MB with 4 gzipped backups.
func rotatingLogger(filename string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   filename,
		MaxSize:    10,
		MaxBackups: 4,
		MaxAge:     180,
		Compress:   true,
	}, "", log.LstdFlags)
}

// setupLogs points the problem and update loggers at files in logdir.
func setupLogs(logdir string) error {
	problems, err := ensureFile(logdir, "problems.log")
	if err != nil {
		return err
	}
	updates, err := ensureFile(logdir, "updates.log")
	if err != nil {
		return err
	}
	daqcore.ProblemLogger = rotatingLogger(problems)
	daqcore.UpdateLogger = rotatingLogger(updates)
	fmt.Printf("Problems are logged to %s\nClient updates to %s\n\n", problems, updates)
	return nil
}

func main() {
	daqcore.Build.Date = strings.ReplaceAll(buildDate, ".", " ")
	daqcore.Build.Githash = githash

	printVersion := flag.Bool("version", false, "print version and quit")
	baseport := flag.Int("port", daqcore.Ports.RPC, "RPC port; the status port is the next one")
	configDir := flag.String("config", "", "directory of config.yaml and logs/ (default ~/.daqcore)")
	flag.Parse()

	if *printVersion {
		fmt.Printf("daqcore version %s\ngit commit %s\nbuilt %s with %s\n",
			daqcore.Build.Version, githash, daqcore.Build.Date, runtime.Version())
		return
	}
	daqcore.SetPortnumbers(*baseport)

	if *configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatal(err)
		}
		*configDir = filepath.Join(home, ".daqcore")
	}
	banner := fmt.Sprintf("daqcore version %s (git commit %s)", daqcore.Build.Version, githash)
	fmt.Println(banner)
	if err := setupLogs(filepath.Join(*configDir, "logs")); err != nil {
		log.Fatal(err)
	}
	daqcore.UpdateLogger.Printf("starting %s", banner)

	if err := setupViper(*configDir); err != nil {
		log.Fatal(err)
	}
	daqcore.RunRPCServer(daqcore.Ports.RPC, true)
}
