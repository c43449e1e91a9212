package main

import (
	"os"

	"github.com/bobuhiro11/dwcotg/flag"
	log "github.com/sirupsen/logrus"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.WithError(err).Error("dwcotg failed")
		os.Exit(1)
	}
}
