package consts

import "time"

// BuildVersion and BuildTime are replaced with the git version hash and date at build time
var (
	BuildVersion = "master"
	BuildTime    = time.Now().UTC().Format(time.ANSIC)
)
