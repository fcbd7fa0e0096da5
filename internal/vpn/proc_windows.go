//go:build windows

package vpn

import (
	"os/exec"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// setProcAttrs: без окна консоли и в своей группе, чтобы CTRL_BREAK дошёл только до openvpn.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW | windows.CREATE_NEW_PROCESS_GROUP,
	}
}

// terminate просит openvpn завершиться (аналог SIGTERM).
func terminate(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(cmd.Process.Pid))
}

func kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// EnsureChildProcessesKillOnExit привязывает текущий процесс к Job Object с флагом
// JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE, чтобы при выходе все дочерние (openvpn)
// автоматически завершались. Вызывать из main() при старте.
func EnsureChildProcessesKillOnExit() {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil || job == 0 {
		return
	}
	keepJobOpen := false
	defer func() {
		if !keepJobOpen {
			windows.CloseHandle(job)
		}
	}()

	var info windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION
	info.BasicLimitInformation.LimitFlags = windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE
	_, err = windows.SetInformationJobObject(job, windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info)))
	if err != nil {
		return
	}
	if err := windows.AssignProcessToJobObject(job, windows.CurrentProcess()); err != nil {
		return
	}
	keepJobOpen = true // не закрывать: при выходе процесса job уничтожится вместе с openvpn
}
