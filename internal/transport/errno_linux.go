package transport

import "golang.org/x/sys/unix"

// CodeFromErrno maps a Linux usbfs errno onto the taxonomy.
func CodeFromErrno(errno unix.Errno) Code {
	switch errno {
	case unix.EIO, unix.EPROTO, unix.EILSEQ:
		return CodeIO
	case unix.EINVAL:
		return CodeInvalidParam
	case unix.EACCES, unix.EPERM:
		return CodeAccess
	case unix.ENODEV, unix.ESHUTDOWN:
		return CodeNoDevice
	case unix.ENOENT:
		return CodeNotFound
	case unix.EBUSY:
		return CodeBusy
	case unix.ETIMEDOUT:
		return CodeTimeout
	case unix.EOVERFLOW:
		return CodeOverflow
	case unix.EPIPE:
		return CodePipe
	case unix.EINTR:
		return CodeInterrupted
	case unix.ENOMEM:
		return CodeNoMem
	case unix.ENOSYS, unix.EOPNOTSUPP:
		return CodeNotSupported
	default:
		return CodeOther
	}
}
