package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/planproof/planproof/internal/api"
	"github.com/planproof/planproof/internal/compliance"
	"github.com/planproof/planproof/internal/config"
	"github.com/planproof/planproof/internal/devserver"
	"github.com/planproof/planproof/internal/planwatch"
	"github.com/planproof/planproof/internal/project"
	"github.com/planproof/planproof/internal/query"
	"github.com/planproof/planproof/internal/session"
	"github.com/planproof/planproof/internal/stream"
	"github.com/planproof/planproof/pkg/clog"
	"github.com/planproof/planproof/pkg/storage"
)

var (
	app = kingpin.New("planproof", "Client for the PlanProof architectural plan compliance service")

	// Auth commands
	loginCmd      = app.Command("login", "Log in and store the session token")
	loginEmail    = loginCmd.Arg("email", "Account email").Required().String()
	loginPassword = loginCmd.Flag("password", "Account password").Short('p').Required().String()

	registerCmd      = app.Command("register", "Create an account")
	registerEmail    = registerCmd.Arg("email", "Account email").Required().String()
	registerPassword = registerCmd.Flag("password", "Account password").Short('p').Required().String()
	registerName     = registerCmd.Flag("full-name", "Full name").String()

	whoamiCmd = app.Command("whoami", "Show the authenticated user")
	logoutCmd = app.Command("logout", "Discard the stored session")

	// Project commands
	projectCmd = app.Command("project", "Project management commands")

	projectListCmd = projectCmd.Command("list", "List projects")

	projectCreateCmd  = projectCmd.Command("create", "Create a project")
	projectCreateName = projectCreateCmd.Arg("applicant", "Applicant name").Required().String()
	projectCreateLoc  = projectCreateCmd.Flag("location", "Project location").String()
	projectCreateType = projectCreateCmd.Flag("building-type", "Building type").Default("residential").String()

	// Compliance commands
	checkCmd      = app.Command("check", "Run a compliance check on a plan file and follow its progress")
	checkProject  = checkCmd.Arg("project-id", "Project ID").Required().Int64()
	checkFile     = checkCmd.Arg("file", "Plan file (PDF)").Required().ExistingFile()
	checkNoCache  = checkCmd.Flag("no-cache", "Bypass the backend result cache").Bool()
	checkCacheTTL = checkCmd.Flag("cache-ttl", "Backend cache TTL in seconds").Default("3600").Int()

	recordsCmd     = app.Command("records", "List compliance records for a project")
	recordsProject = recordsCmd.Arg("project-id", "Project ID").Required().Int64()

	recordCmd = app.Command("record", "Show one compliance record")
	recordID  = recordCmd.Arg("compliance-id", "Compliance record ID").Required().Int64()

	decisionCmd      = app.Command("decision", "Set the review decision on a compliance record")
	decisionProject  = decisionCmd.Arg("project-id", "Project ID").Required().Int64()
	decisionRecord   = decisionCmd.Arg("compliance-id", "Compliance record ID").Required().Int64()
	decisionValue    = decisionCmd.Arg("decision", "APPROVED | REJECTED | CONDITIONAL_APPROVAL | NEEDS_REVISION | PENDING").Required().String()

	downloadCmd     = app.Command("download", "Download a result document into the archive")
	downloadProject = downloadCmd.Arg("project-id", "Project ID").Required().Int64()
	downloadRecord  = downloadCmd.Arg("compliance-id", "Compliance record ID").Required().Int64()

	watchCmd     = app.Command("watch", "Re-check a plan file whenever it changes")
	watchProject = watchCmd.Arg("project-id", "Project ID").Required().Int64()
	watchFile    = watchCmd.Arg("file", "Plan file (PDF)").Required().ExistingFile()

	devServerCmd   = app.Command("dev-server", "Run the in-memory stub backend")
	devServerAddr  = devServerCmd.Flag("addr", "Address to bind to").Default("localhost:8000").String()
	devServerDelay = devServerCmd.Flag("step-delay", "Delay between fake pipeline steps").Default("400ms").Duration()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading environment: %v\n", err)
		os.Exit(1)
	}
	handler := clog.NewTextHandler(os.Stderr, clog.WithLevel(env.SlogLevel()))
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, command, env); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, command string, env *config.Env) error {
	if command == devServerCmd.FullCommand() {
		return runDevServer(ctx)
	}

	sessionPath, err := env.ResolveSessionPath()
	if err != nil {
		return err
	}
	store := session.NewStore(sessionPath)
	client := api.New(env.APIURL, store)

	switch command {
	case loginCmd.FullCommand():
		return runLogin(ctx, client, store, *loginEmail, *loginPassword)
	case registerCmd.FullCommand():
		return runRegister(ctx, client, store)
	case whoamiCmd.FullCommand():
		return runWhoami(ctx, client, store)
	case logoutCmd.FullCommand():
		if err := store.Clear(); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	case projectListCmd.FullCommand():
		return runProjectList(ctx, client)
	case projectCreateCmd.FullCommand():
		return runProjectCreate(ctx, client)
	case checkCmd.FullCommand():
		return runCheck(ctx, client, *checkProject, *checkFile)
	case recordsCmd.FullCommand():
		return runRecords(ctx, client, *recordsProject)
	case recordCmd.FullCommand():
		return runRecord(ctx, client, *recordID)
	case decisionCmd.FullCommand():
		return runDecision(ctx, client)
	case downloadCmd.FullCommand():
		return runDownload(ctx, client, env, *downloadProject, *downloadRecord)
	case watchCmd.FullCommand():
		return runWatch(ctx, client, *watchProject, *watchFile)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func runLogin(ctx context.Context, client *api.Client, store *session.Store, email, password string) error {
	token, user, err := client.Login(ctx, email, password)
	if err != nil {
		return err
	}
	if err := store.Save(token, user); err != nil {
		return err
	}
	fmt.Printf("Logged in as %s.\n", email)
	return nil
}

func runRegister(ctx context.Context, client *api.Client, store *session.Store) error {
	token, user, err := client.Register(ctx, *registerEmail, *registerPassword, *registerName)
	if err != nil {
		return err
	}
	if err := store.Save(token, user); err != nil {
		return err
	}
	fmt.Printf("Registered and logged in as %s.\n", *registerEmail)
	return nil
}

func runWhoami(ctx context.Context, client *api.Client, store *session.Store) error {
	if store.Token() == "" {
		return fmt.Errorf("not logged in")
	}
	user, err := client.Me(ctx)
	if err != nil {
		// The stored token no longer works; drop it so the next command
		// starts from a clean state.
		_ = store.Clear()
		return fmt.Errorf("session expired, please log in again: %w", err)
	}
	_ = store.SetUser(user)
	fmt.Printf("%s (%s)\n", user.FullName, user.Email)
	return nil
}

func runProjectList(ctx context.Context, client *api.Client) error {
	projects, err := query.New(client, nil).Projects(ctx)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("No projects.")
		return nil
	}
	for _, p := range projects {
		fmt.Printf("%6d  %-24s %-20s %-12s %s\n",
			p.ProjectID, p.ApplicantName, p.Location, p.BuildingType,
			p.SubmissionDate.Format("2006-01-02"))
	}
	return nil
}

func runProjectCreate(ctx context.Context, client *api.Client) error {
	created, err := query.New(client, nil).CreateProject(ctx, project.CreateRequest{
		ApplicantName: *projectCreateName,
		Location:      *projectCreateLoc,
		BuildingType:  *projectCreateType,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created project %d for %s.\n", created.ProjectID, created.ApplicantName)
	return nil
}

func runCheck(ctx context.Context, client *api.Client, projectID int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	task, err := client.StartCheck(ctx, projectID, path, f, api.CheckOptions{
		NoCache:  *checkNoCache,
		CacheTTL: *checkCacheTTL,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Check started (task %s).\n", task.TaskID)
	return followTask(ctx, client, task)
}

// followTask streams progress to the terminal until the task reaches a
// terminal state.
func followTask(ctx context.Context, client *api.Client, task *compliance.TaskDescriptor) error {
	tracker := stream.NewTracker(client.BaseURL(), stream.WebsocketDialer{}, stream.NopInvalidator{}, slog.Default())
	defer tracker.Close()

	updates, cancel := tracker.Subscribe()
	defer cancel()
	if err := tracker.Follow(ctx, task); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return fmt.Errorf("stream ended unexpectedly")
			}
			switch u.State {
			case stream.StateStreaming:
				if u.Progress.Step != "" {
					fmt.Printf("  %3.0f%%  %s\n", u.Progress.Percent, u.Progress.Step)
				}
			case stream.StateCompleted:
				printResult(u.Result)
				if u.ComplianceID != 0 {
					fmt.Printf("Record: %d\n", u.ComplianceID)
				}
				return nil
			case stream.StateFailed:
				return u.Err
			case stream.StateClosed:
				fmt.Println("Stream closed by server before completion.")
				return nil
			}
		}
	}
}

func printResult(result *compliance.Result) {
	if result == nil {
		return
	}
	verdict := color.YellowString("PENDING")
	if result.Approved != nil {
		if *result.Approved {
			verdict = color.GreenString("APPROVED")
		} else {
			verdict = color.RedString("REJECTED")
		}
	}
	fmt.Printf("\n%s  score=%.2f confidence=%.2f\n", verdict, result.Score, result.Confidence)
	if result.Summary != "" {
		fmt.Println(result.Summary)
	}
	for _, v := range result.Violations {
		fmt.Printf("  [%s] %s: %s\n", v.Severity, v.Code, v.Description)
	}
	for _, rec := range result.Recommendations {
		fmt.Printf("  - %s\n", rec)
	}
}

func runRecords(ctx context.Context, client *api.Client, projectID int64) error {
	records, err := query.New(client, nil).Compliances(ctx, projectID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No compliance records.")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%6d  %-10s %-22s %s\n",
			r.ComplianceID, r.Status(), r.Decision, r.RevisionDate.Format(time.RFC3339))
	}
	return nil
}

func runRecord(ctx context.Context, client *api.Client, complianceID int64) error {
	record, err := query.New(client, nil).ComplianceRecord(ctx, complianceID)
	if err != nil {
		return err
	}
	fmt.Printf("Record %d (project %d), decision %s\n",
		record.ComplianceID, record.ProjectID, record.Decision)
	printResult(&record.Result)
	return nil
}

func runDecision(ctx context.Context, client *api.Client) error {
	decision, err := compliance.ParseDecision(*decisionValue)
	if err != nil {
		return err
	}
	record, err := query.New(client, nil).UpdateDecision(ctx, *decisionProject, *decisionRecord, decision)
	if err != nil {
		return err
	}
	fmt.Printf("Record %d decision set to %s.\n", record.ComplianceID, record.Decision)
	return nil
}

func runDownload(ctx context.Context, client *api.Client, env *config.Env, projectID, complianceID int64) error {
	data, err := client.Download(ctx, projectID, complianceID)
	if err != nil {
		return err
	}

	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(ctx, env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
	}
	if err != nil {
		return err
	}

	path := storage.ResultPath(projectID, complianceID)
	if err := store.Write(ctx, path, data); err != nil {
		return err
	}
	fmt.Printf("Archived result to %s.\n", path)
	return nil
}

func runWatch(ctx context.Context, client *api.Client, projectID int64, path string) error {
	watcher, err := planwatch.New(path, func(ctx context.Context, changed string) error {
		return runCheckFile(ctx, client, projectID, changed)
	}, slog.Default())
	if err != nil {
		return err
	}
	fmt.Printf("Watching %s; press Ctrl-C to stop.\n", path)
	if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// runCheckFile is the watch-triggered variant of runCheck: backend caching is
// bypassed since the file just changed.
func runCheckFile(ctx context.Context, client *api.Client, projectID int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	task, err := client.StartCheck(ctx, projectID, path, f, api.CheckOptions{NoCache: true})
	if err != nil {
		return err
	}
	fmt.Printf("Check started (task %s).\n", task.TaskID)
	return followTask(ctx, client, task)
}

func runDevServer(ctx context.Context) error {
	srv := devserver.New(devserver.Options{
		Addr:      *devServerAddr,
		StepDelay: *devServerDelay,
		Logger:    slog.Default(),
	})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		fmt.Println("\nDev server stopped.")
		return nil
	}
}
