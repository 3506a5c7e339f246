package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/noircv/go-accel/accel"
)

var (
	bootImage   string
	bootGPA     uint64
	bootMemSize int
	bootTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(bootCmd)
	bootCmd.Flags().StringVar(&bootImage, "image", "", "flat binary to load at --gpa (required)")
	bootCmd.Flags().Uint64Var(&bootGPA, "gpa", 0x1000, "guest-physical load address")
	bootCmd.Flags().IntVar(&bootMemSize, "mem-size", 1<<20, "guest memory region size in bytes")
	bootCmd.Flags().DurationVar(&bootTimeout, "timeout", 5*time.Second, "time to wait for the vCPU to halt")
	bootCmd.MarkFlagRequired("image")
}

// bootResult is what boot prints: whether the vCPU halted, a fatal note if
// the thread died, and the accelerator's metrics snapshot, mirroring the
// teacher CLI's execute command's JSON result shape.
type bootResult struct {
	Halted  bool   `json:"halted"`
	Fatal   string `json:"fatal,omitempty"`
	Metrics accel.Metrics `json:"metrics"`
}

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Map a flat image, run one vCPU to its first halt, and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := os.ReadFile(bootImage)
		if err != nil {
			return err
		}
		if len(img) > bootMemSize {
			return fmt.Errorf("image (%d bytes) does not fit in --mem-size (%d bytes)", len(img), bootMemSize)
		}

		hva, mem, err := allocGuestMemory(bootMemSize)
		if err != nil {
			return err
		}
		defer freeGuestMemory(hva)
		copy(mem, img)

		gm := &guestMachine{mem: mem, base: bootGPA}

		log := logrus.WithField("source", "noircvctl")
		a := accel.New(log)
		if err := a.Init(driverName, accel.Deps{
			Lock:  gm,
			Intc:  gm,
			Phys:  gm,
			Port:  gm,
			Debug: gm,
		}); err != nil {
			return err
		}
		defer a.Shutdown()

		if err := a.MemoryListener().RegionAdd(bootGPA, hva, uint64(bootMemSize), true, false); err != nil {
			return err
		}

		if err := a.NewVCPUThread(0); err != nil {
			return err
		}
		a.SetRunnable(0, true)

		deadline := time.Now().Add(bootTimeout)
		for time.Now().Before(deadline) {
			m := a.Metrics()
			if m.ExitsHLT > 0 || m.FatalVCPUs > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}

		m := a.Metrics()
		res := bootResult{Halted: m.ExitsHLT > 0, Metrics: m}
		if m.FatalVCPUs > 0 {
			res.Fatal = "vcpu thread terminated on a fatal condition, see log"
		}

		a.Unplug(0)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}
