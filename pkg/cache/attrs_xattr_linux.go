package cache

import "golang.org/x/sys/unix"

const errNoAttr = unix.ENODATA
