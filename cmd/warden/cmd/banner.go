package cmd

import (
	"fmt"
)

const banner = `
 __        __            _            
 \ \      / /_ _ _ __ __| | ___ _ __  
  \ \ /\ / / _` + "`" + ` | '__/ _` + "`" + ` |/ _ \ '_ \ 
   \ V  V / (_| | | | (_| |  __/ | | |
    \_/\_/ \__,_|_|  \__,_|\___|_| |_|
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Session Backend - Version %s\x1b[0m\n\n", Version)
}
