package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/quiltfs/quiltfs/pkg/wire"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ask a storage node for its version",
	RunE: func(cmd *cobra.Command, args []string) error {
		if nodeAddr == "" {
			return errors.New("--node is required")
		}

		l, err := dialNode(cmd.Context())
		if err != nil {
			return err
		}
		defer l.Close()

		reply, err := l.Communicate(cmd.Context(), wire.GetVersion())
		if err != nil {
			return err
		}
		if reply.Kind != wire.KindMyVersionIs {
			return fmt.Errorf("unexpected reply %s", reply.Kind)
		}

		fmt.Printf("%s is running version %s\n", nodeAddr, reply.Version)
		return nil
	},
}

var readOutput string

var readCmd = &cobra.Command{
	Use:   "read <uuid>",
	Short: "Fetch a blob from a storage node by UUID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if nodeAddr == "" {
			return errors.New("--node is required")
		}
		u, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid uuid %q: %w", args[0], err)
		}

		l, err := dialNode(cmd.Context())
		if err != nil {
			return err
		}
		defer l.Close()

		reply, err := l.Communicate(cmd.Context(), wire.ReadFile(u))
		if err != nil {
			return err
		}
		switch reply.Kind {
		case wire.KindFileContents:
		case wire.KindError:
			return fmt.Errorf("node error: %s", reply.ErrMsg)
		default:
			return fmt.Errorf("unexpected reply %s", reply.Kind)
		}

		if readOutput == "" || readOutput == "-" {
			_, err = os.Stdout.Write(reply.Payload)
			return err
		}
		return os.WriteFile(readOutput, reply.Payload, 0644)
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <uuid> <file>",
	Short: "Store a local file as a blob on a storage node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if nodeAddr == "" {
			return errors.New("--node is required")
		}
		u, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid uuid %q: %w", args[0], err)
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}

		l, err := dialNode(cmd.Context())
		if err != nil {
			return err
		}
		defer l.Close()

		reply, err := l.Communicate(cmd.Context(), wire.WriteFile(u, data))
		if err != nil {
			return err
		}
		switch reply.Kind {
		case wire.KindAck:
			fmt.Printf("stored %d bytes as %s\n", len(data), u)
			return nil
		case wire.KindError:
			return fmt.Errorf("node error: %s", reply.ErrMsg)
		default:
			return fmt.Errorf("unexpected reply %s", reply.Kind)
		}
	},
}

var deleteYes bool

var deleteCmd = &cobra.Command{
	Use:   "delete <uuid>",
	Short: "Delete a blob from a storage node by UUID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if nodeAddr == "" {
			return errors.New("--node is required")
		}
		u, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid uuid %q: %w", args[0], err)
		}

		if !deleteYes {
			prompt := promptui.Prompt{
				Label:     fmt.Sprintf("Delete blob %s from %s", u, nodeAddr),
				IsConfirm: true,
			}
			if _, err := prompt.Run(); err != nil {
				fmt.Println("aborted")
				return nil
			}
		}

		l, err := dialNode(cmd.Context())
		if err != nil {
			return err
		}
		defer l.Close()

		reply, err := l.Communicate(cmd.Context(), wire.DeleteFile(u))
		if err != nil {
			return err
		}
		switch reply.Kind {
		case wire.KindAck:
			fmt.Printf("deleted %s\n", u)
			return nil
		case wire.KindError:
			return fmt.Errorf("node error: %s", reply.ErrMsg)
		default:
			return fmt.Errorf("unexpected reply %s", reply.Kind)
		}
	},
}

func init() {
	readCmd.Flags().StringVarP(&readOutput, "output", "o", "-", "write the blob here instead of stdout")
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "skip the confirmation prompt")
}
