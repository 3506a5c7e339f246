package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/noircv/go-accel/accel"
	"github.com/noircv/go-accel/driver"
)

var driverName string

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&driverName, "driver", "", "control device name (platform default if empty)")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check NoirVisor CVM driver presence and create a throwaway VM",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logrus.WithField("source", "noircvctl")
		a := accel.New(log)
		err := a.Init(driverName, accel.Deps{})
		if err != nil {
			if errors.Is(err, driver.ErrDriverAbsent) {
				fmt.Println("NoirVisor is absent in the system!")
				return nil
			}
			return err
		}
		defer a.Shutdown()
		fmt.Println("NoirVisor is present in the system!")
		return nil
	},
}
