package main

import (
	"context"
	"flag"
	"io/ioutil"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	md "github.com/grailbio/streamdup/markduplicates"
)

// loadConfig decodes the TOML file at path into opts. Keys that are not
// options are an error.
func loadConfig(ctx context.Context, path string, opts *md.Opts) error {
	in, err := file.Open(ctx, path)
	if err != nil {
		return errors.E(err, "opening config", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	data, err := ioutil.ReadAll(in.Reader(ctx))
	if err != nil {
		return errors.E(err, "reading config", path)
	}
	meta, err := toml.Decode(string(data), opts)
	if err != nil {
		return errors.E(errors.Invalid, err, "parsing config", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return errors.E(errors.Invalid, "unknown options in", path+":", strings.Join(keys, ", "))
	}
	return nil
}

// applyFlags copies every flag visited by visit into opts. Pass flag.Visit
// to apply only the flags set on the command line.
func applyFlags(opts *md.Opts, visit func(func(*flag.Flag))) {
	visit(func(f *flag.Flag) {
		if set, ok := overrides[f.Name]; ok {
			set(opts)
		}
	})
}

func splitRegions(s string) []string {
	var regions []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			regions = append(regions, r)
		}
	}
	return regions
}
