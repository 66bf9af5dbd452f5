// Command outline edits a project outline through the project API.
//
//	outline [flags] <command> [args]
//
// Commands: projects, create <title> [docx|pptx], show, suggest <topic>, reorder <id>...,
// up <id>, down <id>, add <title>, delete <id>, generate <id>, save <id> <file>,
// refine <id> <prompt>, comment <id> <text>, like <id> <refinement>, dislike <id> <refinement>.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"docpilot/api/internal/auth"
	"docpilot/api/internal/config"
	"docpilot/api/internal/logging"
	"docpilot/api/internal/outline"
	"docpilot/api/internal/project"
	"docpilot/api/internal/projectapi"
)

type options struct {
	apiURL    string
	projectID string
	token     string
	userID    string
	web       bool
	yes       bool
	asJSON    bool
	timeout   time.Duration
}

func main() {
	cfg := config.Load()
	opts := options{}
	flag.StringVar(&opts.apiURL, "api", cfg.APIURL, "project API base URL")
	flag.StringVar(&opts.projectID, "project", "", "project id")
	flag.StringVar(&opts.token, "token", os.Getenv("DOCPILOT_TOKEN"), "bearer token; when empty one is signed with DOCPILOT_JWT_SECRET")
	flag.StringVar(&opts.userID, "user", cfg.UserID, "acting user id")
	flag.BoolVar(&opts.web, "web", false, "use web research when generating")
	flag.BoolVar(&opts.yes, "yes", false, "confirm deletes without prompting")
	flag.BoolVar(&opts.asJSON, "json", false, "print the project as JSON")
	flag.DurationVar(&opts.timeout, "timeout", 3*time.Minute, "overall command timeout")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: outline [flags] <command> [args]")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	if err := run(ctx, cfg, opts, logger, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "outline:", err)
		os.Exit(1)
	}
}

func credentials(cfg config.Config, opts options) auth.Provider {
	if strings.TrimSpace(opts.token) != "" {
		return auth.NewStaticProvider(opts.token, opts.userID)
	}
	return auth.NewSigningProvider(cfg.JWTSecret, opts.userID, opts.userID, cfg.AccessTTL)
}

func run(ctx context.Context, cfg config.Config, opts options, logger *zap.Logger, command string, args []string) error {
	creds := credentials(cfg, opts)
	client, err := projectapi.New(opts.apiURL, creds, projectapi.WithLogger(logger))
	if err != nil {
		return err
	}

	switch command {
	case "projects":
		items, err := client.ListProjects(ctx)
		if err != nil {
			return err
		}
		for _, item := range items {
			fmt.Printf("%s\t%s\t%s\t%d sections\n", item.ID, item.DocType, item.Title, len(item.Outline))
		}
		return nil
	case "create":
		if len(args) == 0 {
			return errors.New("create needs a title")
		}
		docType := project.DocTypeDOCX
		if len(args) > 1 {
			docType = project.DocType(args[1])
		}
		item, err := client.CreateProject(ctx, args[0], docType)
		if err != nil {
			return err
		}
		fmt.Println(item.ID)
		return nil
	}

	if opts.projectID == "" {
		return errors.New("-project is required for " + command)
	}
	syncer := outline.New(client, creds, opts.projectID, logger)
	if err := syncer.Load(ctx); err != nil {
		return err
	}

	if err := apply(ctx, syncer, opts, command, args); err != nil {
		return err
	}
	return printProject(syncer.Snapshot(), opts.asJSON)
}

func apply(ctx context.Context, syncer *outline.Synchronizer, opts options, command string, args []string) error {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d argument(s)", command, n)
		}
		return nil
	}

	switch command {
	case "show":
		return nil
	case "suggest":
		if err := need(1); err != nil {
			return err
		}
		return syncer.SuggestOutline(ctx, strings.Join(args, " "))
	case "reorder":
		return syncer.Reorder(ctx, args)
	case "up", "down":
		if err := need(1); err != nil {
			return err
		}
		if command == "up" {
			return syncer.MoveUp(ctx, args[0])
		}
		return syncer.MoveDown(ctx, args[0])
	case "add":
		if err := need(1); err != nil {
			return err
		}
		_, err := syncer.AddSection(ctx, strings.Join(args, " "))
		return err
	case "delete":
		if err := need(1); err != nil {
			return err
		}
		if err := syncer.RequestDelete(args[0]); err != nil {
			return err
		}
		if !opts.yes && !confirm(fmt.Sprintf("Delete section %s?", args[0])) {
			syncer.CancelDelete()
			return nil
		}
		return syncer.ConfirmDelete(ctx, args[0])
	case "generate":
		if err := need(1); err != nil {
			return err
		}
		_, err := syncer.GenerateContent(ctx, args[0], opts.web)
		return err
	case "save":
		if err := need(2); err != nil {
			return err
		}
		html, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read content: %w", err)
		}
		return syncer.SaveContent(ctx, args[0], string(html))
	case "refine":
		if err := need(2); err != nil {
			return err
		}
		return syncer.Refine(ctx, args[0], strings.Join(args[1:], " "))
	case "comment":
		if err := need(2); err != nil {
			return err
		}
		return syncer.AddComment(ctx, args[0], strings.Join(args[1:], " "))
	case "like":
		if err := need(2); err != nil {
			return err
		}
		return syncer.LikeRefinement(ctx, args[0], args[1])
	case "dislike":
		if err := need(2); err != nil {
			return err
		}
		return syncer.DislikeRefinement(ctx, args[0], args[1])
	}
	return fmt.Errorf("unknown command %q", command)
}

func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printProject(item project.Project, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(item)
	}
	fmt.Printf("%s (%s) rev %d\n", item.Title, item.DocType, item.Revision)
	for i, section := range item.Outline {
		fmt.Printf("%2d. [%s] %s  id=%s v%d\n", i+1, section.Status, section.Title, section.ID, section.Version)
		for _, ref := range section.RefinementHistory {
			fmt.Printf("      refinement %s: %q (+%d/-%d)\n", ref.ID, ref.Prompt, len(ref.Likes), len(ref.Dislikes))
		}
		if len(section.Comments) > 0 {
			fmt.Printf("      %d comment(s)\n", len(section.Comments))
		}
	}
	return nil
}
