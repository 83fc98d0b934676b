// Package mainboilerplate holds the pieces shared by pagestream programs:
// configuration parsing, logging, diagnostics, and service identity. Each
// piece stands alone, and programs use only what they need.
package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// Version and BuildDate of the program, set at link time.
var (
	Version   = "development"
	BuildDate = "unknown"
)

// configEnvVar names an explicit INI configuration file, which takes
// precedence over the search path.
const configEnvVar = "PAGESTREAM_CONFIG"

// configSearchPaths returns candidate locations of INI file |name|, in
// order of preference.
func configSearchPaths(name string) []string {
	var out []string
	if p := os.Getenv(configEnvVar); p != "" {
		out = append(out, p)
	}
	out = append(out, name)

	if dir, err := os.UserConfigDir(); err == nil {
		out = append(out, filepath.Join(dir, "pagestream", name))
	}
	return out
}

// MustParseConfig parses configuration into |parser| from, in increasing
// precedence, the first INI file named |configName| which is found on the
// search path, environment variables, and command-line flags. It exits the
// process on a parse failure.
func MustParseConfig(parser *flags.Parser, configName string) {
	// INI files may carry options of commands other than the one being run.
	var opts = parser.Options
	parser.Options |= flags.IgnoreUnknown

	for _, path := range configSearchPaths(configName) {
		var err = flags.NewIniParser(parser).ParseFile(path)
		if err == nil {
			break
		} else if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			os.Exit(1)
		}
	}
	parser.Options = opts

	MustParseArgs(parser)
}

// MustParseArgs parses os.Args into |parser|, exiting the process with
// usage on failure.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		Must(err, "fatal error")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag,
		flags.ErrShortNameTooLong, flags.ErrMarshal:
		// The configuration struct itself is broken.
		panic(err)
	case flags.ErrCommandRequired:
		os.Stderr.WriteString("\n")
		writeUsage(parser)
	case flags.ErrHelp:
		if parser.Options&flags.PrintErrors == 0 {
			writeUsage(parser)
		}
	}
	// Otherwise go-flags already printed the error.
	os.Exit(1)
}

func writeUsage(parser *flags.Parser) {
	parser.WriteHelp(os.Stderr)
	fmt.Fprintf(os.Stderr, "\npagestream %s (built %s)\n", Version, BuildDate)
}

// AddPrintConfigCmd adds a "print-config" command to |parser|, which writes
// the fully resolved configuration as INI. It's handy for checking what a
// deployment actually runs with.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, _ = parser.AddCommand("print-config", "Print resolved configuration and exit", `
Resolve configuration from `+configName+` (or $`+configEnvVar+`), environment
variables and flags, and write the result to stdout in INI format.
`, &printConfig{parser: parser})
}

type printConfig struct {
	parser *flags.Parser
}

func (p *printConfig) Execute([]string) error {
	flags.NewIniParser(p.parser).Write(os.Stdout,
		flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
