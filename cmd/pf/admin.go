package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"purchaseflow/internal/app"
	"purchaseflow/internal/attachments"
	"purchaseflow/internal/config"
	"purchaseflow/internal/domain"
	"purchaseflow/internal/engine"
	"purchaseflow/internal/repo"
	"purchaseflow/internal/server"
)

func yardCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "yard", Short: "Manage the yard directory"}

	var id, name string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an active yard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				y, err := e.AddYard(ctx, id, name, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(y)
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "yard id (generated when empty)")
	add.Flags().StringVar(&name, "name", "", "yard name")
	_ = add.MarkFlagRequired("name")

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List yards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListYards(ctx, domain.YardStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status"})
				for _, y := range items {
					tw.AppendRow(table.Row{y.ID, y.Name, y.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (active|inactive)")

	setStatus := func(use string, target domain.YardStatus) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <yard-id>",
			Short: "Mark a yard " + string(target),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					if err := e.SetYardStatus(ctx, args[0], target); err != nil {
						return err
					}
					fmt.Printf("Yard %s is %s\n", args[0], target)
					return nil
				})
			},
		}
	}

	cmd.AddCommand(add, list, setStatus("activate", domain.YardActive), setStatus("deactivate", domain.YardInactive))
	return cmd
}

func attachmentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "attachment", Short: "Store receipts and photos"}
	var contentType string
	upload := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a PDF or image; prints the attachment id to reference from tasks and costs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			ct := contentType
			if ct == "" {
				ct = mime.TypeByExtension(strings.ToLower(filepath.Ext(args[0])))
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				att, err := e.StoreAttachment(ctx, attachments.File{Name: filepath.Base(args[0]), ContentType: ct, Reader: f}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(att)
			})
		},
	}
	upload.Flags().StringVar(&contentType, "content-type", "", "declared MIME type (guessed from the extension when empty)")
	cmd.AddCommand(upload)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every accepted change with the actor that made it: purchases created, tasks completed, costs recorded, workflows finalized.",
	}
	var (
		n                                   int
		purchaseID, evtType, kind, entityID string
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, n, repo.EventFilter{PurchaseID: purchaseID, Type: evtType, EntityKind: kind, EntityID: entityID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Purchase", "Entity", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.PurchaseID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&purchaseID, "purchase", "", "purchase id filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&kind, "entity-kind", "", "entity kind filter")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	cmd.AddCommand(tail)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration (purchaseflow.yml)"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})

	var currency string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default purchaseflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			data := config.GenerateDefault(strings.ToUpper(currency))
			if _, err := config.FromYAML([]byte(data)); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&currency, "currency", "JPY", "default purchase currency")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate purchaseflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.FromFile(config.Path(viper.GetString("workspace"))); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the purchase workflow API. Settings come from PURCHASEFLOW_* environment variables; PURCHASEFLOW_JWT_SECRET is required.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := config.LoadServeConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				sc.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				sc.BasePath = basePath
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				handler, err := server.New(server.Config{
					Engine:   ws.Engine,
					BasePath: sc.BasePath,
					Auth:     server.AuthConfig{JWTSecret: sc.JWTSecret, AllowLegacyActorHeader: sc.AllowActorHeader, Logger: log},
					Logger:   log,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: sc.Addr, Handler: handler, ReadHeaderTimeout: sc.ReadHeaderTimeout}
				go server.RunWebhooks(ctx, ws.Engine, log)
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						log.Error("shutdown", "error", err)
					}
				}()
				log.Info("serving purchase workflow API", "addr", sc.Addr, "base_path", sc.BasePath, "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (overrides PURCHASEFLOW_ADDR)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path (overrides PURCHASEFLOW_BASE_PATH)")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Bearer tokens for the HTTP API"}
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token for --actor-id with PURCHASEFLOW_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("PURCHASEFLOW_JWT_SECRET")
			token, err := server.IssueToken(secret, actorID(), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	cmd.AddCommand(issue)
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API (X-Api-Key)"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a key for --actor-id; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := repo.GenerateAPIKey()
			if err != nil {
				return err
			}
			key := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   actorID(),
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")

	var actorFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorFilter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created", "Last used", "Revoked"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt, k.LastUsedAt, k.RevokedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&actorFilter, "actor", "", "only keys of this actor")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.RevokeAPIKey(ctx, args[0], time.Now()); err != nil {
					return err
				}
				fmt.Printf("API key %s revoked\n", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}
