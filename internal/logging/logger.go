package logging

import (
	"log"
	"os"
)

var (
	Alby     = log.New(os.Stdout, "[alby] ", log.LstdFlags)
	Ledger   = log.New(os.Stdout, "[ledger] ", log.LstdFlags)
	Rates    = log.New(os.Stdout, "[rates] ", log.LstdFlags)
	Tracker  = log.New(os.Stdout, "[tracker] ", log.LstdFlags)
	Journal  = log.New(os.Stdout, "[journal] ", log.LstdFlags)
	Reports  = log.New(os.Stdout, "[reports] ", log.LstdFlags)
	B2       = log.New(os.Stdout, "[b2] ", log.LstdFlags)
	Internal = log.New(os.Stdout, "[internal] ", log.LstdFlags)
	HTTP     = log.New(os.Stdout, "[http] ", log.LstdFlags)
)
