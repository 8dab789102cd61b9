package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/bluesky-social/fedmod/moderation"
	"github.com/bluesky-social/fedmod/moderation/models"
	"github.com/bluesky-social/fedmod/util/cliutil"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/urfave/cli/v2"
)

var blockFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "severity",
		Usage: "block severity: none, silence or suspend",
	},
	&cli.BoolFlag{
		Name:  "reject-media",
		Usage: "don't store media from the domain",
	},
	&cli.BoolFlag{
		Name:  "reject-reports",
		Usage: "discard abuse reports from the domain",
	},
	&cli.BoolFlag{
		Name:  "obfuscate",
		Usage: "partially hide the domain in the public block list",
	},
	&cli.StringFlag{
		Name:  "private-comment",
		Usage: "note visible to moderators only",
	},
	&cli.StringFlag{
		Name:  "public-comment",
		Usage: "reason shown in the public block list",
	},
}

var cmdBlock = &cli.Command{
	Name:  "block",
	Usage: "manage domain blocks (account changes are applied by a running 'serve' process, or 'jobs drain')",
	Subcommands: []*cli.Command{
		&cli.Command{
			Name:      "create",
			Usage:     "block a domain",
			ArgsUsage: "<domain>",
			Flags:     blockFlags,
			Action:    runBlockCreate,
		},
		&cli.Command{
			Name:      "update",
			Usage:     "change severity or flags of an existing block; flags not given are unchanged",
			ArgsUsage: "<domain>",
			Flags:     blockFlags,
			Action:    runBlockUpdate,
		},
		&cli.Command{
			Name:      "delete",
			Usage:     "remove a domain block, undoing its effect on accounts",
			ArgsUsage: "<domain>",
			Action:    runBlockDelete,
		},
		&cli.Command{
			Name:   "list",
			Usage:  "list current domain blocks",
			Action: runBlockList,
		},
	},
}

var cmdJobs = &cli.Command{
	Name:  "jobs",
	Usage: "inspect and manage the fan-out job queue",
	Subcommands: []*cli.Command{
		&cli.Command{
			Name:  "list",
			Usage: "list fan-out jobs",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "state",
					Usage: "only list jobs in this state (enqueued, in_progress, complete, failed, dead)",
				},
				&cli.IntFlag{
					Name:  "limit",
					Value: 100,
				},
			},
			Action: runJobsList,
		},
		&cli.Command{
			Name:      "replay",
			Usage:     "re-enqueue a failed or dead job",
			ArgsUsage: "<job-id>",
			Action:    runJobsReplay,
		},
		&cli.Command{
			Name:   "drain",
			Usage:  "run all runnable jobs in the foreground, once each",
			Action: runJobsDrain,
		},
	},
}

var cmdFakeAccounts = &cli.Command{
	Name:  "fake-accounts",
	Usage: "create fake remote accounts, for development and load testing of fan-out",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "count",
			Usage: "number of accounts to create per domain",
			Value: 1000,
		},
		&cli.StringSliceFlag{
			Name:  "domain",
			Usage: "domain to create accounts on; multiple allowed. random domains are generated if not set",
		},
		&cli.IntFlag{
			Name:  "random-domains",
			Usage: "number of random domains to generate when no --domain is given",
			Value: 3,
		},
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "random seed, for reproducible data (0 is random)",
		},
	},
	Action: runFakeAccounts,
}

// cliEngine sets up logging (to stderr) and the engine, for short-lived admin commands
func cliEngine(cctx *cli.Context) (*moderation.Engine, error) {
	logger := cliutil.ConfigLogger(cctx, os.Stderr)
	engine, _, err := setupEngine(cctx, logger)
	return engine, err
}

func domainArg(cctx *cli.Context) (string, error) {
	if cctx.Args().Len() != 1 {
		return "", fmt.Errorf("expected a single domain argument")
	}
	return cctx.Args().First(), nil
}

func printBlock(b *models.DomainBlock) {
	fmt.Printf("%s\tseverity=%s\tstate=%s\tversion=%d\treject_media=%t\treject_reports=%t\n", b.Domain, b.Severity, b.State, b.Version, b.RejectMedia, b.RejectReports)
}

func runBlockCreate(cctx *cli.Context) error {
	ctx := cctx.Context
	domain, err := domainArg(cctx)
	if err != nil {
		return err
	}
	engine, err := cliEngine(cctx)
	if err != nil {
		return err
	}
	defer waitNotifications(engine)

	block, err := engine.CreateDomainBlock(ctx, cctx.String("actor"), moderation.DomainBlockParams{
		Domain:         domain,
		Severity:       cctx.String("severity"),
		RejectMedia:    cctx.Bool("reject-media"),
		RejectReports:  cctx.Bool("reject-reports"),
		Obfuscate:      cctx.Bool("obfuscate"),
		PrivateComment: cctx.String("private-comment"),
		PublicComment:  cctx.String("public-comment"),
	})
	if err != nil {
		return err
	}
	printBlock(block)
	return nil
}

// only flags which were explicitly passed end up in the update
func blockUpdateFromFlags(cctx *cli.Context) moderation.DomainBlockUpdate {
	var upd moderation.DomainBlockUpdate
	str := func(name string) *string {
		if !cctx.IsSet(name) {
			return nil
		}
		v := cctx.String(name)
		return &v
	}
	flag := func(name string) *bool {
		if !cctx.IsSet(name) {
			return nil
		}
		v := cctx.Bool(name)
		return &v
	}
	upd.Severity = str("severity")
	upd.RejectMedia = flag("reject-media")
	upd.RejectReports = flag("reject-reports")
	upd.Obfuscate = flag("obfuscate")
	upd.PrivateComment = str("private-comment")
	upd.PublicComment = str("public-comment")
	return upd
}

func runBlockUpdate(cctx *cli.Context) error {
	ctx := cctx.Context
	domain, err := domainArg(cctx)
	if err != nil {
		return err
	}
	engine, err := cliEngine(cctx)
	if err != nil {
		return err
	}
	defer waitNotifications(engine)

	oldSev, newSev, err := engine.UpdateDomainBlock(ctx, cctx.String("actor"), domain, blockUpdateFromFlags(cctx))
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s -> %s\n", domain, oldSev, newSev)
	return nil
}

func runBlockDelete(cctx *cli.Context) error {
	ctx := cctx.Context
	domain, err := domainArg(cctx)
	if err != nil {
		return err
	}
	engine, err := cliEngine(cctx)
	if err != nil {
		return err
	}
	defer waitNotifications(engine)

	block, err := engine.DeleteDomainBlock(ctx, cctx.String("actor"), domain)
	if err != nil {
		return err
	}
	printBlock(block)
	return nil
}

func runBlockList(cctx *cli.Context) error {
	ctx := cctx.Context
	engine, err := cliEngine(cctx)
	if err != nil {
		return err
	}

	var cursor uint64
	for {
		blocks, err := engine.ListDomainBlocks(ctx, cursor, 500)
		if err != nil {
			return err
		}
		for _, b := range blocks {
			printBlock(b)
		}
		if len(blocks) < 500 {
			return nil
		}
		cursor = blocks[len(blocks)-1].ID
	}
}

func runJobsList(cctx *cli.Context) error {
	ctx := cctx.Context
	engine, err := cliEngine(cctx)
	if err != nil {
		return err
	}

	jobs, err := engine.Jobs.List(ctx, models.JobState(cctx.String("state")), 0, cctx.Int("limit"))
	if err != nil {
		return err
	}
	for _, j := range jobs {
		fmt.Printf("%d\t%s\tstate=%s\tinstructions=%s\tcursor=%d\taffected=%d\tretries=%d", j.ID, j.Domain, j.State, j.Instructions, j.Cursor, j.Affected, j.RetryCount)
		if j.LastError != "" {
			fmt.Printf("\terr=%q", j.LastError)
		}
		fmt.Println()
	}
	return nil
}

func runJobsReplay(cctx *cli.Context) error {
	ctx := cctx.Context
	if cctx.Args().Len() != 1 {
		return fmt.Errorf("expected a single job ID argument")
	}
	id, err := strconv.ParseUint(cctx.Args().First(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job ID: %w", err)
	}
	engine, err := cliEngine(cctx)
	if err != nil {
		return err
	}

	job, err := engine.Jobs.Replay(ctx, id)
	if err != nil {
		return err
	}
	engine.Audit.Record(ctx, "fanout.replay", job.Domain, cctx.String("actor"), fmt.Sprintf(`{"job_id":%d}`, job.ID))
	fmt.Printf("%d\t%s\tstate=%s\n", job.ID, job.Domain, job.State)
	return nil
}

func runJobsDrain(cctx *cli.Context) error {
	ctx := cctx.Context
	engine, err := cliEngine(cctx)
	if err != nil {
		return err
	}
	defer waitNotifications(engine)

	if _, err := engine.Jobs.RecoverInProgress(ctx); err != nil {
		return err
	}
	n, err := engine.DrainJobs(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("ran %d jobs\n", n)
	return nil
}

func runFakeAccounts(cctx *cli.Context) error {
	ctx := cctx.Context
	engine, err := cliEngine(cctx)
	if err != nil {
		return err
	}

	faker := gofakeit.New(cctx.Int64("seed"))

	domains := cctx.StringSlice("domain")
	if len(domains) == 0 {
		for i := 0; i < cctx.Int("random-domains"); i++ {
			domains = append(domains, faker.DomainName())
		}
	}

	count := cctx.Int("count")
	for _, domain := range domains {
		for i := 0; i < count; i++ {
			username := fmt.Sprintf("%s%d", faker.Username(), i)
			if _, err := engine.UpsertAccount(ctx, username, domain); err != nil {
				return fmt.Errorf("creating account %s@%s: %w", username, domain, err)
			}
		}
		fmt.Printf("%s: %d accounts\n", domain, count)
	}
	return nil
}
