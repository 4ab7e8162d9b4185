package cmd

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/mausys/gclient/internal/activation"
	"github.com/mausys/gclient/internal/config"
	"github.com/mausys/gclient/internal/logging"
	"github.com/mausys/gclient/internal/metrics"
	"github.com/mausys/gclient/internal/patch"
	"github.com/mausys/gclient/internal/process"
	"github.com/mausys/gclient/internal/progress"
	"github.com/mausys/gclient/internal/result"
	"github.com/mausys/gclient/internal/service"
)

type checkoutParams struct {
	configFiles         []string
	specs               string
	revisions           []string
	patchRoot           string
	issue               string
	patchset            string
	reviewServer        string
	emailFile           string
	keyFile             string
	gerritRepo          string
	gerritRef           string
	gerritNoRebase      bool
	gerritNoReset       bool
	revisionMapping     string
	revisionMappingFile string
	outputManifest      bool
	master              string
	builder             string
	slave               string
	force               bool
	buildDir            string
	flagFile            string
	shallow             bool
	noShallow           bool
	clobber             bool
	outputJSON          string
	refs                []string
	withBranchHeads     bool
	cacheDir            string
	gypEnv              []string
	noRunhooks          bool
	metricsFile         string
	log                 logFlags
}

func init() {
	var params checkoutParams

	checkout := &cobra.Command{
		Use:   "checkout",
		Short: "Check out, pin and patch the solutions of a build directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheckout(cmd, params)
		},
	}

	fs := checkout.Flags()
	fs.StringSliceVarP(&params.configFiles, "config", "c", nil, "configuration file or directory (repeatable, merged)")
	fs.StringVar(&params.specs, "specs", "", "solutions document (YAML or JSON), inline or as a file path")
	fs.StringArrayVar(&params.revisions, "revision", nil, "revision to check out, optionally prefixed with root@ where root is a solution name or git https URL (repeatable)")
	fs.StringVar(&params.patchRoot, "patch_root", "", "directory to patch on top of")
	fs.StringVar(&params.patchRoot, "root", "", "synonym for --patch_root")
	fs.StringVar(&params.issue, "issue", "", "issue number to patch from")
	fs.StringVar(&params.patchset, "patchset", "", "patchset of the issue to patch from")
	fs.StringVar(&params.reviewServer, "rietveld_server", config.DefaultReviewServer, "code review server of the issue")
	fs.StringVar(&params.emailFile, "apply_issue_email_file", "", "file with the email address of the patch tool account")
	fs.StringVar(&params.keyFile, "apply_issue_key_file", "", "file with the private key of the patch tool account")
	fs.StringVar(&params.gerritRepo, "gerrit_repo", "", "repository to fetch the gerrit ref from")
	fs.StringVar(&params.gerritRef, "gerrit_ref", "", "gerrit ref to apply")
	fs.BoolVar(&params.gerritNoRebase, "gerrit_no_rebase_patch_ref", false, "check out the gerrit ref as is instead of rebasing it")
	fs.BoolVar(&params.gerritNoReset, "gerrit_no_reset", false, "leave the gerrit change committed")
	fs.StringVar(&params.revisionMapping, "revision_mapping", "", `JSON object mapping checkout directories to properties, e.g. {"src/v8/": "got_v8_revision"}`)
	fs.StringVar(&params.revisionMappingFile, "revision_mapping_file", "", "file holding the --revision_mapping object")
	fs.BoolVar(&params.outputManifest, "output_manifest", false, "add the dependency manifest to the JSON output")
	fs.StringVar(&params.master, "master", "", "master name used for activation")
	fs.StringVar(&params.builder, "builder_name", "", "builder name used for activation")
	fs.StringVar(&params.slave, "slave_name", shortHostname(), "host name used for activation")
	fs.BoolVarP(&params.force, "force", "f", false, "run whatever the activation policy says")
	fs.StringVar(&params.buildDir, "build_dir", "", "build directory (default $BOT_UPDATE_BUILD_DIR or the working directory)")
	fs.StringVar(&params.flagFile, "flag_file", "", "flag file (default $BOT_UPDATE_FLAG_FILE or update.flag in the working directory)")
	fs.BoolVar(&params.shallow, "shallow", false, "use shallow clones for cache repositories")
	fs.BoolVar(&params.noShallow, "no_shallow", false, "never shallow clone because of a small disk; does not override --shallow")
	fs.BoolVar(&params.clobber, "clobber", false, "move the existing checkout aside first")
	fs.BoolVar(&params.clobber, "bot_update_clobber", false, "synonym for --clobber")
	fs.StringVarP(&params.outputJSON, "output_json", "o", "", "write the result as JSON to this file instead of annotating stdout")
	fs.StringArrayVar(&params.refs, "refs", nil, "extra refspec to fetch for the solutions, e.g. +refs/branch-heads/* (repeatable)")
	fs.BoolVar(&params.withBranchHeads, "with_branch_heads", false, "same as --refs "+service.BranchHeadsRefspec)
	fs.StringVar(&params.cacheDir, "git-cache-dir", "", "git cache directory (default $BOT_UPDATE_CACHE_DIR or cache_dir two levels above the working directory)")
	fs.StringArrayVar(&params.gypEnv, "gyp_env", nil, "KEY=VALUE passed to the hooks (repeatable)")
	fs.BoolVar(&params.noRunhooks, "no_runhooks", false, "do not run hooks")
	fs.StringVar(&params.metricsFile, "metrics-file", "", "write run metrics to this file in the text exposition format")
	addLogFlags(fs, &params.log)

	RootCommand.AddCommand(checkout)
}

func runCheckout(cmd *cobra.Command, params checkoutParams) error {
	ctx := cmd.Context()

	env, err := config.LoadEnv(ctx)
	if err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	cfg, err := config.Load(params.configFiles)
	if err != nil {
		return err
	}
	log, err := params.log.logger(cmd.Flags(), env, cfg)
	if err != nil {
		return err
	}

	opts, err := params.options(env, log)
	if err != nil {
		return err
	}
	printSolutions(os.Stderr, opts.Specs.Solutions)

	tuning := cfg.Tuning.WithDefaults()
	runner := process.New().
		WithMaxAttempts(tuning.ProcessAttempts).
		WithBackoffBase(tuning.BackoffBase).
		WithHeartbeat(time.Duration(tuning.HeartbeatInterval)).
		WithOutput(os.Stdout).
		WithLogger(log)

	checkout, err := service.New(runner, opts, cfg)
	if err != nil {
		return err
	}
	interactive := logging.IsTerminal(os.Stderr) && params.log.format != "json"
	checkout.
		WithEmitter(result.NewEmitter(params.outputJSON, os.Stdout)).
		WithFlag(result.NewFlag(params.flagFile)).
		WithProgress(progress.New(os.Stderr, len(opts.Specs.Solutions), "solutions", interactive)).
		WithLogger(log)

	err = checkout.Execute(ctx)

	if params.metricsFile != "" {
		if merr := metrics.WriteTextfile(params.metricsFile); merr != nil {
			log.Warnf("failed to write metrics to %s: %v", params.metricsFile, merr)
		}
	}

	var pf *patch.Failure
	if errors.As(err, &pf) {
		log.Errorf("%v", err)
		return &exitError{code: service.ExitCode(err)}
	}
	return err
}

// options resolves the flags against the environment defaults.
func (p *checkoutParams) options(env config.Env, log *logging.Logger) (service.Options, error) {
	wd, err := os.Getwd()
	if err != nil {
		return service.Options{}, err
	}

	buildDir, err := filepath.Abs(cmp.Or(p.buildDir, env.BuildDir, wd))
	if err != nil {
		return service.Options{}, err
	}
	p.flagFile = cmp.Or(p.flagFile, env.FlagFile, filepath.Join(wd, "update.flag"))
	cacheDir := cmp.Or(p.cacheDir, env.CacheDir, filepath.Join(filepath.Dir(filepath.Dir(wd)), "cache_dir"))

	if p.specs == "" {
		return service.Options{}, errors.New("--specs is required")
	}
	var specs *config.Specs
	if fi, err := os.Stat(p.specs); err == nil && fi.Mode().IsRegular() {
		specs, err = config.ParseSpecsFile(p.specs)
		if err != nil {
			return service.Options{}, err
		}
	} else if specs, err = config.ParseSpecs([]byte(p.specs)); err != nil {
		return service.Options{}, err
	}

	refs := p.refs
	if p.withBranchHeads {
		refs = append(refs, service.BranchHeadsRefspec)
	}

	return service.Options{
		BuildDir:        buildDir,
		CacheDir:        cacheDir,
		Specs:           specs,
		Revisions:       p.revisions,
		PatchRoot:       p.patchRoot,
		Patch:           p.patch(),
		Host:            activation.Host{Master: p.master, Builder: p.builder, Slave: p.slave},
		Force:           p.force,
		Clobber:         p.clobber,
		Shallow:         p.shallow,
		NoShallow:       p.noShallow,
		Refs:            refs,
		RevisionMapping: p.mapping(log),
		OutputManifest:  p.outputManifest,
		RunHooks:        len(p.gypEnv) > 0 && !p.noRunhooks,
		GypEnv:          p.gypEnv,
	}, nil
}

func (p *checkoutParams) patch() patch.Request {
	switch {
	case p.gerritRef != "":
		return patch.GerritRef{Repo: p.gerritRepo, Ref: p.gerritRef, Rebase: !p.gerritNoRebase, Reset: !p.gerritNoReset}
	case p.issue != "":
		return patch.ReviewPatch{
			Issue:     p.issue,
			Patchset:  p.patchset,
			Server:    p.reviewServer,
			EmailFile: p.emailFile,
			KeyFile:   p.keyFile,
		}
	}
	return nil
}

// mapping parses the revision mapping flags. A mapping that cannot be parsed
// is reported and ignored.
func (p *checkoutParams) mapping(log *logging.Logger) map[string]string {
	bs := []byte(p.revisionMapping)
	if p.revisionMappingFile != "" {
		if p.revisionMapping != "" {
			log.Warnf("ignoring --revision_mapping: --revision_mapping_file was set at the same time")
		}
		var err error
		if bs, err = os.ReadFile(p.revisionMappingFile); err != nil {
			log.Warnf("failed to read revision mapping: %v", err)
			return nil
		}
	}
	if len(bs) == 0 {
		return nil
	}

	var m map[string]string
	if err := json.Unmarshal(bs, &m); err != nil {
		log.Warnf("failed to parse revision mapping: %v", err)
		return nil
	}
	return m
}

func printSolutions(w io.Writer, solutions []config.Solution) {
	table := tablewriter.NewTable(w,
		tablewriter.WithHeader([]string{"Name", "URL", "Deps file", "Managed", "Custom deps", "Custom vars"}),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{Symbols: tw.NewSymbols(tw.StyleLight)}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
	for _, s := range solutions {
		deps := make([]string, 0, len(s.CustomDeps))
		for path, url := range s.CustomDeps {
			if url == nil {
				deps = append(deps, path+" (removed)")
			} else {
				deps = append(deps, path+" -> "+*url)
			}
		}
		vars := make([]string, 0, len(s.CustomVars))
		for k, v := range s.CustomVars {
			vars = append(vars, fmt.Sprintf("%s=%v", k, v))
		}
		slices.Sort(deps)
		slices.Sort(vars)
		_ = table.Append([]string{s.Name, s.URL, s.CanonicalDepsFile(), strconv.FormatBool(s.Managed), strings.Join(deps, "\n"), strings.Join(vars, "\n")})
	}
	_ = table.Render()
}

func shortHostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	short, _, _ := strings.Cut(name, ".")
	return short
}
