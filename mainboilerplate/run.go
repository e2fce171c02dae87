package mainboilerplate

import (
	petname "github.com/dustinkirkland/golang-petname"
)

// RunConfig identifies a single invocation of a program.
type RunConfig struct {
	ID string `long:"id" env:"ID" description:"Unique ID of this run, attached to log events. Auto-generated if not set"`
}

// RunID returns the configured ID, or generates one.
func (cfg RunConfig) RunID() string {
	if cfg.ID == "" {
		return petname.Generate(2, "-")
	}
	return cfg.ID
}
