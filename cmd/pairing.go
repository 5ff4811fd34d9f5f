package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/halogate/halogate/internal/config"
	"github.com/halogate/halogate/internal/store/file"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage channel and device pairing approvals",
	}
	cmd.AddCommand(pairingListCmd())
	cmd.AddCommand(pairingApproveCmd())
	return cmd
}

func openPairingStore() (*file.PairingStore, error) {
	dataDir := config.ExpandHome("~/.halogate/data")
	return file.NewPairingStore(dataDir)
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pairing requests and approvals",
		Run: func(cmd *cobra.Command, args []string) {
			ps, err := openPairingStore()
			if err != nil {
				fmt.Fprintf(os.Stderr, "pairing store: %v\n", err)
				os.Exit(1)
			}
			recs, err := ps.List()
			if err != nil {
				fmt.Fprintf(os.Stderr, "list: %v\n", err)
				os.Exit(1)
			}
			if len(recs) == 0 {
				fmt.Println("no pairing records")
				return
			}
			for _, r := range recs {
				status := "pending"
				if r.Paired() {
					status = "approved " + r.ApprovedAt.Format("2006-01-02 15:04")
				}
				fmt.Printf("%s  %-10s %-20s %s\n", r.Code, r.Channel, r.PeerID, status)
			}
		},
	}
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pairing code",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ps, err := openPairingStore()
			if err != nil {
				fmt.Fprintf(os.Stderr, "pairing store: %v\n", err)
				os.Exit(1)
			}
			rec, err := ps.Approve(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "approve: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("approved %s on %s\n", rec.PeerID, rec.Channel)
		},
	}
}
