package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _          _       _     _              
 | |    __ _| |_ ___| |__ | | _____ _   _ 
 | |   / _` + "`" + ` | __/ __| '_ \| |/ / _ \ | | |
 | |__| (_| | || (__| | | |   <  __/ |_| |
 |_____\__,_|\__\___|_| |_|_|\_\___|\__, |
                                    |___/ 
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Smart-Lock Dashboard Backend - Version %s\x1b[0m\n\n", Version)
}
