package service

import (
	"fmt"
	"os"
	"strings"

	"github.com/CZERTAINLY/Autovisor/internal/model"
)

// CommandFor resolves the launch command of key from its configured family.
// Device id and locality are appended to the family arguments, values of
// the family environment starting with $ are expanded.
func CommandFor(cfg model.Config, key model.JobKey) (Command, error) {
	family, ok := cfg.Families[key.Family]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", model.ErrUnknownFamily, key.Family)
	}
	args := make([]string, 0, len(family.Args)+2)
	args = append(args, family.Args...)
	args = append(args, key.DeviceID, key.Locality)

	env := make([]string, 0, len(family.Env))
	for _, kv := range family.Env {
		k, v, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	return Command{
		Path: family.Command,
		Args: args,
		Env:  env,
		Dir:  cfg.WorkDir,
	}, nil
}
