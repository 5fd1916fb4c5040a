package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"civicpulse.org/internal/analytics"
	"civicpulse.org/internal/auth"
	"civicpulse.org/internal/complaint"
	"civicpulse.org/internal/portal"
	"civicpulse.org/internal/session"
	"civicpulse.org/internal/stream"
)

func (a *app) loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("CIVICPULSE_PASSWORD")
			}
			sess, err := a.client.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Signed in as %s (%s)\n", username, sess.Role)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (defaults to CIVICPULSE_PASSWORD)")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func (a *app) registerCmd() *cobra.Command {
	var p session.Profile
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.Password == "" {
				p.Password = os.Getenv("CIVICPULSE_PASSWORD")
			}
			p.Password2 = p.Password
			sess, err := a.client.Register(cmd.Context(), p)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Registered %s (%s)\n", p.Username, sess.Role)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&p.Username, "username", "u", "", "account name")
	f.StringVarP(&p.Password, "password", "p", "", "password (defaults to CIVICPULSE_PASSWORD)")
	f.StringVar(&p.Email, "email", "", "email address")
	f.StringVar(&p.FirstName, "first-name", "", "first name")
	f.StringVar(&p.LastName, "last-name", "", "last name")
	f.StringVar(&p.Phone, "phone", "", "phone number")
	f.StringVar(&p.District, "district", "", "district")
	f.StringVar(&p.Role, "role", "", "citizen (default) or officer")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Signed out")
			return nil
		},
	}
}

func (a *app) whoamiCmd() *cobra.Command {
	var upd struct{ email, phone, district string }
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show or update your profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch auth.ProfileUpdate
			flags := cmd.Flags()
			if flags.Changed("email") {
				patch.Email = &upd.email
			}
			if flags.Changed("phone") {
				patch.Phone = &upd.phone
			}
			if flags.Changed("district") {
				patch.District = &upd.district
			}
			var (
				u   auth.User
				err error
			)
			if patch.Email != nil || patch.Phone != nil || patch.District != nil {
				u, err = a.client.UpdateProfile(cmd.Context(), patch)
			} else {
				u, err = a.client.Profile(cmd.Context())
			}
			if err != nil {
				return err
			}
			return a.printJSON(u)
		},
	}
	cmd.Flags().StringVar(&upd.email, "email", "", "new email address")
	cmd.Flags().StringVar(&upd.phone, "phone", "", "new phone number")
	cmd.Flags().StringVar(&upd.district, "district", "", "new district")
	return cmd
}

func (a *app) submitCmd() *cobra.Command {
	var (
		in            complaint.NewComplaint
		lat, lng, img string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "File a new complaint",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, c := range []struct {
				raw string
				dst **complaint.Coord
			}{{lat, &in.Latitude}, {lng, &in.Longitude}} {
				if c.raw == "" {
					continue
				}
				v, err := complaint.ParseCoord(c.raw)
				if err != nil {
					return fmt.Errorf("coordinate %q: %w", c.raw, err)
				}
				*c.dst = &v
			}
			var attachment *portal.Attachment
			if img != "" {
				f, err := os.Open(img)
				if err != nil {
					return fmt.Errorf("open image: %w", err)
				}
				defer f.Close()
				attachment = &portal.Attachment{Name: filepath.Base(img), Data: f}
			}
			c, err := a.client.SubmitComplaint(cmd.Context(), in, attachment)
			if err != nil {
				return err
			}
			return a.printJSON(c)
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Title, "title", "", "short summary")
	f.StringVar(&in.Description, "description", "", "what is wrong")
	f.StringVar(&in.Category, "category", "", "water, sanitation, roads, electricity, streetlight, drainage, garbage or other")
	f.StringVar(&lat, "lat", "", "latitude in decimal degrees")
	f.StringVar(&lng, "lng", "", "longitude in decimal degrees")
	f.StringVar(&in.Address, "address", "", "street address")
	f.StringVar(&img, "image", "", "path to a photo")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	var opts portal.ListOptions
	var category, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List complaints visible to you",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Category = complaint.Category(category)
			opts.Status = complaint.Status(status)
			items, err := a.client.ListComplaints(cmd.Context(), opts)
			if err != nil {
				return err
			}
			for _, c := range items {
				fmt.Fprintf(a.out, "%s  %-11s  %-12s  %s\n", c.ID, c.Status, c.Category, c.Title)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&category, "category", "", "filter by category")
	f.StringVar(&status, "status", "", "filter by status")
	f.StringVar(&opts.Search, "search", "", "match title, description or address")
	f.IntVar(&opts.Limit, "limit", 0, "maximum number of results")
	return cmd
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one complaint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client.Complaint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(c)
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the status history of a complaint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.client.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(a.out, "%s  %s -> %s  %s\n", e.CreatedAt.Format("2006-01-02 15:04"), e.OldStatus, e.NewStatus, e.Comment)
			}
			return nil
		},
	}
}

func (a *app) assignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a complaint to yourself (officers)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client.Assign(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(c)
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a complaint to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client.Transition(cmd.Context(), args[0], complaint.Status(args[1]), comment)
			if err != nil {
				return err
			}
			return a.printJSON(c)
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "note recorded in the history")
	return cmd
}

func (a *app) rateCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "rate <id> <1-5>",
		Short: "Rate a resolved complaint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rating, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("rating must be a number: %w", err)
			}
			c, err := a.client.Rate(cmd.Context(), args[0], rating, feedback)
			if err != nil {
				return err
			}
			return a.printJSON(c)
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "optional comment")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show complaint statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(st)
		},
	}
}

func (a *app) heatmapCmd() *cobra.Command {
	var category, status string
	cmd := &cobra.Command{
		Use:   "heatmap",
		Short: "Show complaint locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			hm, err := a.client.Heatmap(cmd.Context(), complaint.Category(category), complaint.Status(status))
			if err != nil {
				return err
			}
			return a.printJSON(hm)
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func (a *app) clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clusters",
		Short: "Show the latest topic clustering",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client.Clusters(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
	var req analytics.ClusterRequest
	run := &cobra.Command{
		Use:   "run",
		Short: "Group complaints by topic (officers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client.RunClusters(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
	run.Flags().StringVar(&req.Method, "method", analytics.MethodKMeans, "kmeans or bertopic")
	run.Flags().IntVarP(&req.NClusters, "clusters", "n", analytics.DefaultClusters, "number of clusters")
	cmd.AddCommand(run)
	return cmd
}

func (a *app) dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Show statistics, heatmap and clusters together",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.client.Dashboard(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{
				"stats":    d.Stats,
				"heatmap":  d.Heatmap,
				"clusters": d.Clusters,
			})
		},
	}
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "watch",
		Short:       "Follow complaint updates as they happen",
		Annotations: map[string]string{streamingAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.client.Watch(cmd.Context(), func(m stream.Message) error {
				fmt.Fprintf(a.out, "%s  %-26s  %s  %s\n", m.Timestamp.Format("15:04:05"), m.Type, m.ComplaintID, m.Status)
				return nil
			})
			if errors.Is(err, cmd.Context().Err()) && cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
}
