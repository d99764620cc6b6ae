package detector

// SuBinaryPaths 历史上常见的 su 位置
var SuBinaryPaths = []string{
	"/system/bin/su",
	"/system/xbin/su",
	"/data/local/su",
	"/data/local/bin/su",
	"/data/local/xbin/su",
	"/sbin/su",
	"/su/bin/su",
	"/system/sd/xbin/su",
	"/system/bin/failsafe/su",
	"/system/bin/.ext/su",
	"/cache/su",
}

// RootPackages root 管理类应用包名
var RootPackages = []string{
	"com.topjohnwu.magisk",
	"eu.chainfire.supersu",
	"com.koushikdutta.superuser",
	"com.noshufou.android.su",
	"com.noshufou.android.su.elite",
	"com.thirdparty.superuser",
	"com.yellowes.su",
	"com.kingroot.kinguser",
	"com.kingo.root",
	"com.smedialink.oneclickroot",
	"com.zhiqupk.root.global",
	"com.alephzain.framaroot",
}

// DangerousProps 属性 -> 危险值
var DangerousProps = map[string]string{
	"ro.debuggable":    "1",
	"ro.secure":        "0",
	"ro.build.type":    "eng",
	"ro.build.tags":    "test-keys",
	"service.adb.root": "1",
}

// RootArtifactFiles 常见 root 工具残留文件
var RootArtifactFiles = []string{
	"/system/app/Superuser.apk",
	"/system/xbin/daemonsu",
	"/system/xbin/busybox",
	"/system/bin/busybox",
	"/sbin/busybox",
	"/data/local/busybox",
	"/system/app/SuperSU.apk",
	"/system/app/Kinguser.apk",
	"/dev/com.koushikdutta.superuser.daemon",
	"/system/etc/.has_su_daemon",
	"/system/etc/.installed_su_daemon",
}

// SuspiciousMountMarkers 挂载表中的 root/hook 框架名
var SuspiciousMountMarkers = []string{"magisk", "xposed", "substrate", "supersu"}

// SuspiciousBuildUsers ro.build.user 中的可疑片段
var SuspiciousBuildUsers = []string{"root", "test", "unofficial"}

// HookLibraryMarkers 映射路径中的插桩框架名
var HookLibraryMarkers = []string{"frida", "xposed", "substrate", "cydia", "libhook"}

// UntrustedLoadDirs 不应加载库的目录
var UntrustedLoadDirs = []string{"/data/local/", "/sdcard/", "/tmp/"}

// AppDirArtifacts 私有目录中的 hook/补丁残留
var AppDirArtifacts = []string{"frida", "xposed", "substrate", "lspatch", "hook", "patch", "gadget"}

// LoaderMethodMarkers 加载器注入点名称中的可疑片段
var LoaderMethodMarkers = []string{"hook", "patch"}

// EmulatorHardware ro.hardware 的模拟器取值
var EmulatorHardware = []string{"goldfish", "ranchu", "vbox86"}

// EmulatorModelMarkers ro.product.model 中的模拟器片段
var EmulatorModelMarkers = []string{"sdk", "Emulator"}
