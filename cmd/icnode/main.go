package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/intercoop-network/icn-node/internal/federation"
	"github.com/intercoop-network/icn-node/internal/governance"
	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/identity"
	"github.com/intercoop-network/icn-node/internal/overlay"
	"github.com/intercoop-network/icn-node/internal/policy"
	"github.com/intercoop-network/icn-node/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "icnode", SilenceUsage: true, SilenceErrors: true}
	rootCmd.PersistentFlags().String("env", "", "config environment overlay")
	rootCmd.AddCommand(federationCmd())
	rootCmd.AddCommand(storageCmd())
	rootCmd.AddCommand(governanceCmd())
	rootCmd.AddCommand(metricsCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error taxonomy onto the CLI exit-code contract.
func exitCode(err error) int {
	switch icnerr.KindOf(err) {
	case icnerr.InvalidInput:
		return 1
	case icnerr.PermissionDenied, icnerr.Unauthenticated:
		return 2
	case icnerr.NotFound:
		return 3
	case icnerr.IntegrityError:
		return 4
	case icnerr.QuotaExceeded:
		return 5
	case icnerr.FederationUnavailable, icnerr.InsufficientReplicas, icnerr.Transient:
		return 10
	default:
		return 20
	}
}

func openNode(cmd *cobra.Command) (*federation.Node, error) {
	env, _ := cmd.Flags().GetString("env")
	cfg, err := config.Load(env)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lvl)
	}
	zlogger, err := zap.NewProduction()
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "init logger", err)
	}

	host, err := libp2p.New(libp2p.ListenAddrStrings(cfg.Overlay.ListenAddr))
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Transient, "start libp2p host", err)
	}
	ps, err := pubsub.NewGossipSub(context.Background(), host)
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Transient, "start gossipsub", err)
	}
	transport, err := overlay.NewP2PTransport(host, ps, logger)
	if err != nil {
		return nil, err
	}

	return federation.NewNode(federation.Options{
		BaseDir:    cfg.Node.BaseDir,
		NodeID:     cfg.Node.ID,
		OperatorID: cfg.Node.OperatorID,
		SyncWrites: cfg.Storage.SyncWrites,
		Governance: governance.Config{
			MinProposalReputation:      cfg.Governance.MinProposalReputation,
			MinVotingReputation:        cfg.Governance.MinVotingReputation,
			DefaultVotingPeriodSec:     cfg.Governance.DefaultVotingPeriodSec,
			UseWeightedVoting:          cfg.Governance.UseWeightedVoting,
			ProposalCreationReputation: 0.05,
			VotingReputation:           0.02,
		},
		Logger:    logger,
		ZapLogger: zlogger.Sugar(),
	}, transport)
}

func federationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "federation"}
	initCmd := &cobra.Command{
		Use:   "init [name]",
		Short: "initialise a federation partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := openNode(cmd)
			if err != nil {
				return err
			}
			defer node.Close()
			encrypted, _ := cmd.Flags().GetBool("encrypted")
			if _, err := node.InitFederation(args[0], encrypted); err != nil {
				return err
			}
			fmt.Printf("federation %s initialised\n", args[0])
			return nil
		},
	}
	initCmd.Flags().Bool("encrypted", false, "mint a federation encryption key")
	cmd.AddCommand(initCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list initialised federations",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := openNode(cmd)
			if err != nil {
				return err
			}
			defer node.Close()
			for _, name := range node.Federations() {
				fmt.Println(name)
			}
			return nil
		},
	}
	cmd.AddCommand(listCmd)
	return cmd
}

func defaultPolicy(fed string, cmd *cobra.Command) *policy.AccessPolicy {
	redundancy, _ := cmd.Flags().GetUint8("redundancy")
	maxVersions, _ := cmd.Flags().GetUint32("max-versions")
	encrypted, _ := cmd.Flags().GetBool("encrypted")
	versioned, _ := cmd.Flags().GetBool("versioned")
	return &policy.AccessPolicy{
		Federation:         fed,
		PathPattern:        "*",
		EncryptionRequired: encrypted,
		Redundancy:         redundancy,
		VersioningEnabled:  versioned,
		MaxVersions:        maxVersions,
	}
}

func storageCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "storage"}
	cmd.PersistentFlags().String("federation", "", "federation name")
	cmd.PersistentFlags().String("as", "", "caller DID")

	putCmd := &cobra.Command{
		Use:   "put [key] [file]",
		Short: "store a file under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := openNode(cmd)
			if err != nil {
				return err
			}
			defer node.Close()
			fed, _ := cmd.Flags().GetString("federation")
			caller, _ := cmd.Flags().GetString("as")
			data, err := os.ReadFile(args[1])
			if err != nil {
				return icnerr.Wrap(icnerr.InvalidInput, "read input file", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			vid, err := node.Put(ctx, fed, identity.DID(caller), args[0], data, defaultPolicy(fed, cmd))
			if err != nil {
				return err
			}
			fmt.Println(vid)
			return nil
		},
	}
	putCmd.Flags().Uint8("redundancy", 1, "replica count")
	putCmd.Flags().Uint32("max-versions", 16, "bounded version retention")
	putCmd.Flags().Bool("encrypted", false, "require federation-key encryption")
	putCmd.Flags().Bool("versioned", true, "keep version history")
	cmd.AddCommand(putCmd)

	getCmd := &cobra.Command{
		Use:   "get [key]",
		Short: "fetch a key (current or specific version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := openNode(cmd)
			if err != nil {
				return err
			}
			defer node.Close()
			fed, _ := cmd.Flags().GetString("federation")
			caller, _ := cmd.Flags().GetString("as")
			versionID, _ := cmd.Flags().GetString("version")
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			data, err := node.Get(ctx, fed, identity.DID(caller), args[0], versionID)
			if err != nil {
				return err
			}
			os.Stdout.Write(data)
			return nil
		},
	}
	getCmd.Flags().String("version", "", "version id")
	cmd.AddCommand(getCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete [key]",
		Short: "delete a key and all its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := openNode(cmd)
			if err != nil {
				return err
			}
			defer node.Close()
			fed, _ := cmd.Flags().GetString("federation")
			caller, _ := cmd.Flags().GetString("as")
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			return node.Delete(ctx, fed, identity.DID(caller), args[0])
		},
	}
	cmd.AddCommand(deleteCmd)

	listCmd := &cobra.Command{
		Use:   "list [prefix]",
		Short: "list readable keys under a prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := openNode(cmd)
			if err != nil {
				return err
			}
			defer node.Close()
			fed, _ := cmd.Flags().GetString("federation")
			caller, _ := cmd.Flags().GetString("as")
			prefix := ""
			if len(args) > 0 {
				prefix = args[0]
			}
			metas, err := node.List(fed, identity.DID(caller), prefix)
			if err != nil {
				return err
			}
			for _, m := range metas {
				fmt.Printf("%s\t%d bytes\t%d versions\n", m.Key, m.TotalSizeBytes, len(m.Versions))
			}
			return nil
		},
	}
	cmd.AddCommand(listCmd)

	historyCmd := &cobra.Command{
		Use:   "history [key]",
		Short: "list versions of a key, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := openNode(cmd)
			if err != nil {
				return err
			}
			defer node.Close()
			fed, _ := cmd.Flags().GetString("federation")
			limit, _ := cmd.Flags().GetInt("limit")
			versions, err := node.History(fed, args[0], limit)
			if err != nil {
				return err
			}
			for _, v := range versions {
				fmt.Printf("%s\t%s\t%d bytes\t%s\n", v.VersionID, time.Unix(v.CreatedAt, 0).Format(time.RFC3339), v.SizeBytes, v.CreatedBy)
			}
			return nil
		},
	}
	historyCmd.Flags().Int("limit", 10, "max versions to show")
	cmd.AddCommand(historyCmd)
	return cmd
}

func governanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "governance"}
	cmd.PersistentFlags().String("federation", "", "federation name")

	withEngine := func(cmd *cobra.Command, fn func(*governance.Engine) error) error {
		node, err := openNode(cmd)
		if err != nil {
			return err
		}
		defer node.Close()
		fedName, _ := cmd.Flags().GetString("federation")
		fed, err := node.Federation(fedName)
		if err != nil {
			return err
		}
		return fn(fed.Governance())
	}

	proposeCmd := &cobra.Command{
		Use:   "propose [title]",
		Short: "create a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *governance.Engine) error {
				description, _ := cmd.Flags().GetString("description")
				typ, _ := cmd.Flags().GetString("type")
				proposer, _ := cmd.Flags().GetString("proposer")
				quorum, _ := cmd.Flags().GetFloat64("quorum")
				approval, _ := cmd.Flags().GetFloat64("approval")
				content, _ := cmd.Flags().GetString("content")
				id, err := e.CreateProposal(args[0], description, governance.ProposalType(typ),
					identity.DID(proposer), quorum, approval, json.RawMessage(content))
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	proposeCmd.Flags().String("description", "", "proposal description")
	proposeCmd.Flags().String("type", string(governance.TypeCustom), "proposal type")
	proposeCmd.Flags().String("proposer", "", "proposer DID")
	proposeCmd.Flags().Float64("quorum", 50, "quorum percent")
	proposeCmd.Flags().Float64("approval", 60, "approval percent")
	proposeCmd.Flags().String("content", "{}", "proposal content JSON")
	cmd.AddCommand(proposeCmd)

	startCmd := &cobra.Command{
		Use:   "start-voting [id]",
		Short: "open a proposal for voting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *governance.Engine) error {
				duration, _ := cmd.Flags().GetInt64("duration")
				return e.StartVoting(args[0], duration)
			})
		},
	}
	startCmd.Flags().Int64("duration", 0, "voting window seconds")
	cmd.AddCommand(startCmd)

	voteCmd := &cobra.Command{
		Use:   "vote [id] [choice]",
		Short: "cast a vote (Yes|No|Abstain)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *governance.Engine) error {
				voter, _ := cmd.Flags().GetString("voter")
				comment, _ := cmd.Flags().GetString("comment")
				weight, _ := cmd.Flags().GetFloat64("weight")
				return e.CastVote(args[0], identity.DID(voter), governance.VoteChoice(args[1]), comment, weight)
			})
		},
	}
	voteCmd.Flags().String("voter", "", "voter DID")
	voteCmd.Flags().String("comment", "", "vote comment")
	voteCmd.Flags().Float64("weight", 0, "explicit weight (defaults to reputation)")
	cmd.AddCommand(voteCmd)

	finalizeCmd := &cobra.Command{
		Use:   "finalize [id]",
		Short: "close voting and tally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *governance.Engine) error {
				tally, err := e.FinalizeVoting(args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s (yes=%.2f no=%.2f quorum=%v)\n", tally.Status, tally.YesWeight, tally.NoWeight, tally.QuorumReached)
				return nil
			})
		},
	}
	cmd.AddCommand(finalizeCmd)

	executeCmd := &cobra.Command{
		Use:   "execute [id]",
		Short: "execute an approved proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *governance.Engine) error {
				return e.ExecuteProposal(args[0])
			})
		},
	}
	cmd.AddCommand(executeCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "cancel a draft or voting proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *governance.Engine) error {
				by, _ := cmd.Flags().GetString("by")
				return e.CancelProposal(args[0], identity.DID(by))
			})
		},
	}
	cancelCmd.Flags().String("by", "", "canceller DID (must be the proposer)")
	cmd.AddCommand(cancelCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *governance.Engine) error {
				status, _ := cmd.Flags().GetString("status")
				proposals, err := e.ListProposals(governance.ProposalStatus(status))
				if err != nil {
					return err
				}
				for _, p := range proposals {
					fmt.Printf("%s\t%s\t%s\t%s\n", p.ID, p.Status, p.Type, p.Title)
				}
				return nil
			})
		},
	}
	listCmd.Flags().String("status", "", "filter by status")
	cmd.AddCommand(listCmd)

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "show one proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *governance.Engine) error {
				p, err := e.GetProposal(args[0])
				if err != nil {
					return err
				}
				raw, err := json.MarshalIndent(p, "", "  ")
				if err != nil {
					return icnerr.Wrap(icnerr.Internal, "encode proposal", err)
				}
				fmt.Println(string(raw))
				return nil
			})
		},
	}
	cmd.AddCommand(getCmd)
	return cmd
}

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics [federation]",
		Short: "export a federation's storage metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := openNode(cmd)
			if err != nil {
				return err
			}
			defer node.Close()
			fed, err := node.Federation(args[0])
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			out, err := fed.Store().Metrics().Export(format)
			if err != nil {
				return err
			}
			os.Stdout.Write(out)
			return nil
		},
	}
	cmd.Flags().String("format", "json", "export format (json|csv)")
	return cmd
}
