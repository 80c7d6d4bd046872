package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// The command for writing an example configuration.
type ConfigWriteExampleCmd struct {
	Force bool `help:"Overwrite an existing configuration file"`
}

func (a *ConfigWriteExampleCmd) Run() (err error) {
	fileDir, fileName := ConfigPath()
	path := filepath.Join(fileDir, fileName)

	// Do not replace a configuration unless asked to.
	if _, serr := os.Stat(path); serr == nil && !a.Force {
		return fmt.Errorf("configuration already exists: %s", path)
	}

	err = WriteConfig(ExampleConfig())
	if err != nil {
		return
	}

	fmt.Println("Example configuration written to", path)
	return
}

// The command for printing the configuration path.
type ConfigPathCmd struct{}

func (a *ConfigPathCmd) Run() error {
	fileDir, fileName := ConfigPath()
	fmt.Println(filepath.Join(fileDir, fileName))
	return nil
}

// Commands for managing the configuration.
type ConfigCmd struct {
	WriteExample ConfigWriteExampleCmd `cmd:"" help:"Write an example configuration"`
	Path         ConfigPathCmd         `cmd:"" help:"Print the configuration path"`
}
