// Package cli holds the configuration and terminal helpers of the pushtalk
// command.
//
// Configuration is stored in ~/.giztoy/pushtalk/config.yaml as a set of
// contexts, similar to kubectl. A context names a relay, its event kinds
// and envelope shape, reply deadlines, the active repository, and
// optional clip archiving and reconnection.
//
//	cfg, err := cli.LoadConfig("pushtalk", "")
//	ctx, err := cfg.ResolveContext("")
//	codec, err := ctx.Codec()
package cli
