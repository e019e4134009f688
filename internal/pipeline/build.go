package pipeline

import "context"

// BuildOptions configures the combined build: all four stages in order over
// one work directory.
type BuildOptions struct {
	Paths         []string
	Top           string
	Platform      string
	WorkDir       string
	Output        string
	SkipUnchanged bool
}

// Build runs analyze, synth, link and pack back to back and returns the
// artifact path. Each stage still round-trips through its on-disk
// intermediate, so a combined build leaves the same work directory behind as
// four separate stage invocations.
func Build(ctx context.Context, opts BuildOptions) (string, error) {
	if err := Analyze(ctx, AnalyzeOptions{Paths: opts.Paths, Top: opts.Top, WorkDir: opts.WorkDir}); err != nil {
		return "", err
	}
	if err := Synth(ctx, SynthOptions{WorkDir: opts.WorkDir, Platform: opts.Platform, SkipUnchanged: opts.SkipUnchanged}); err != nil {
		return "", err
	}
	if err := Link(ctx, LinkOptions{WorkDir: opts.WorkDir}); err != nil {
		return "", err
	}
	return Pack(ctx, PackOptions{WorkDir: opts.WorkDir, Output: opts.Output})
}
