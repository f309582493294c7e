package main

import (
	"flag"
)

type initOptions struct {
	configFile  string
	logfile     string
	port        int
	withusb     bool
	verbose     bool
	versionFlag bool
}

func parseFlags() initOptions {
	var options initOptions
	flag.StringVar(
		&(options.configFile),
		"c",
		"",
		"Load configuration from a YAML file",
	)
	flag.StringVar(
		&(options.logfile),
		"l",
		"",
		"Log into a file, rotating after 20MB",
	)
	flag.IntVar(
		&(options.port),
		"p",
		0,
		"HTTP port to listen on. Overrides the configuration file.",
	)
	flag.BoolVar(
		&(options.withusb),
		"u",
		true,
		"Use USB devices. Can be disabled for testing environments. Example: smoothd -u=false",
	)
	flag.BoolVar(
		&(options.verbose),
		"v",
		false,
		"Write verbose logs to either stderr or logfile",
	)
	flag.BoolVar(
		&(options.versionFlag),
		"version",
		false,
		"Write version",
	)
	flag.Parse()
	return options
}
