package signature

// BuiltinCorpus 获取内置特征库
func BuiltinCorpus() *Corpus {
	return &Corpus{
		Version: "builtin-2026.10",

		KnownBadPackages: []PackageRule{
			// ==================== 跟踪软件 (高优先级) ====================
			{ID: "com.mspy.android", Category: CategoryStalkerware, Reason: "mSpy monitoring agent", Priority: 100},
			{ID: "com.flexispy", Prefix: true, Category: CategoryStalkerware, Reason: "FlexiSPY monitoring agent", Priority: 100},
			{ID: "com.thetruthspy", Prefix: true, Category: CategoryStalkerware, Reason: "TheTruthSpy monitoring agent", Priority: 100},
			{ID: "com.hoverwatch", Prefix: true, Category: CategoryStalkerware, Reason: "Hoverwatch monitoring agent", Priority: 100},
			{ID: "com.spyzie", Prefix: true, Category: CategoryStalkerware, Reason: "Spyzie monitoring agent", Priority: 100},
			{ID: "com.cocospy", Prefix: true, Category: CategoryStalkerware, Reason: "Cocospy monitoring agent", Priority: 100},
			{ID: "com.android.system.update.service", Category: CategoryStalkerware, Reason: "stalkerware disguised as system update", Priority: 100},

			// ==================== 间谍/银行木马 ====================
			{ID: "com.android.tencent.zdevs", Category: CategorySpyware, Reason: "known spyware dropper", Priority: 90},
			{ID: "org.slempo", Prefix: true, Category: CategoryBanker, Reason: "Slempo banking trojan", Priority: 90},
			{ID: "com.example.bankbot", Category: CategoryBanker, Reason: "BankBot sample package", Priority: 90},
			{ID: "com.gmail.adware", Prefix: true, Category: CategoryAdware, Reason: "aggressive adware family", Priority: 50},

			// ==================== root/hook 工具 ====================
			{ID: "com.topjohnwu.magisk", Category: CategoryRootTool, Reason: "Magisk root manager", Priority: 80},
			{ID: "eu.chainfire.supersu", Category: CategoryRootTool, Reason: "SuperSU root manager", Priority: 80},
			{ID: "me.weishu.kernelsu", Category: CategoryRootTool, Reason: "KernelSU root manager", Priority: 80},
			{ID: "de.robv.android.xposed.installer", Category: CategoryHookTool, Reason: "Xposed installer", Priority: 80},
			{ID: "org.lsposed.manager", Category: CategoryHookTool, Reason: "LSPosed manager", Priority: 80},
		},

		HashPrefixes: []HashRule{
			{Prefix: "a3f1c2e9b7d40815", Family: "Joker"},
			{Prefix: "5e8d0c71f2a9b364", Family: "Anubis"},
			{Prefix: "c0ffee5a1b2d3e4f", Family: "Cerberus"},
			{Prefix: "9b1d7e3fa0c25d68", Family: "FluBot"},
			{Prefix: "e4c1b0a9d8f7e6c5", Family: "Pegasus"},
		},

		NamePatterns: []NameRule{
			{Name: "spy_keyword", Pattern: `(?i)\b(spy|stalk|keylog(ger)?)\b`, Priority: 100},
			{Name: "phone_tracker", Pattern: `(?i)(phone|cell|sms)\s*(tracker|monitor)`, Priority: 90},
			{Name: "hidden_system_service", Pattern: `(?i)^(system\s*service|sync\s*services?|wi-?fi\s*service)$`, Priority: 80},
			{Name: "fake_update", Pattern: `(?i)^(system|security|google)\s*update$`, Priority: 70},
		},

		PermissionCombos: []PermissionCombo{
			{
				Name:        "sms_interception",
				Permissions: []string{"RECEIVE_SMS", "READ_SMS", "SEND_SMS"},
				Description: "Can intercept and send SMS messages (OTP theft)",
			},
			{
				Name:        "covert_surveillance",
				Permissions: []string{"CAMERA", "RECORD_AUDIO", "ACCESS_FINE_LOCATION"},
				Description: "Can record audio, video and location together",
			},
			{
				Name:        "call_surveillance",
				Permissions: []string{"READ_CALL_LOG", "RECORD_AUDIO", "READ_PHONE_STATE"},
				Description: "Can record calls and read call history",
			},
			{
				Name:        "contact_harvest",
				Permissions: []string{"READ_CONTACTS", "READ_SMS", "INTERNET"},
				Description: "Can exfiltrate contacts and messages",
			},
			{
				Name:        "persistent_tracking",
				Permissions: []string{"ACCESS_BACKGROUND_LOCATION", "RECEIVE_BOOT_COMPLETED"},
				Description: "Tracks location continuously from boot",
			},
		},

		DangerousPermissions: []string{
			"READ_SMS", "SEND_SMS", "RECEIVE_SMS",
			"READ_CALL_LOG", "WRITE_CALL_LOG", "PROCESS_OUTGOING_CALLS",
			"READ_CONTACTS", "WRITE_CONTACTS",
			"CAMERA", "RECORD_AUDIO",
			"ACCESS_FINE_LOCATION", "ACCESS_COARSE_LOCATION", "ACCESS_BACKGROUND_LOCATION",
			"READ_PHONE_STATE", "CALL_PHONE",
			"READ_EXTERNAL_STORAGE", "WRITE_EXTERNAL_STORAGE", "MANAGE_EXTERNAL_STORAGE",
			"SYSTEM_ALERT_WINDOW", "BIND_ACCESSIBILITY_SERVICE", "BIND_DEVICE_ADMIN",
			"REQUEST_INSTALL_PACKAGES", "BODY_SENSORS",
		},

		DangerousApps: []DangerousApp{
			{Package: "com.topjohnwu.magisk", Name: "Magisk", Kind: CategoryRootTool},
			{Package: "eu.chainfire.supersu", Name: "SuperSU", Kind: CategoryRootTool},
			{Package: "com.koushikdutta.superuser", Name: "Superuser", Kind: CategoryRootTool},
			{Package: "com.noshufou.android.su", Name: "Superuser (legacy)", Kind: CategoryRootTool},
			{Package: "me.weishu.kernelsu", Name: "KernelSU", Kind: CategoryRootTool},
			{Package: "com.kingroot.kinguser", Name: "KingRoot", Kind: CategoryRootTool},
			{Package: "de.robv.android.xposed.installer", Name: "Xposed Installer", Kind: CategoryHookTool},
			{Package: "org.lsposed.manager", Name: "LSPosed", Kind: CategoryHookTool},
			{Package: "com.saurik.substrate", Name: "Cydia Substrate", Kind: CategoryHookTool},
			{Package: "re.frida.server", Name: "Frida server", Kind: CategoryHookTool},
		},

		HookArtifacts: []string{
			"/system/framework/XposedBridge.jar",
			"/system/lib/libxposed_art.so",
			"/system/lib64/libxposed_art.so",
			"/data/adb/lspd",
			"/data/adb/modules/zygisk_lsposed",
			"/data/local/tmp/frida-server",
			"/data/local/tmp/re.frida.server",
			"/system/lib/libsubstrate.so",
		},

		BenignLocationKeywords: []string{
			"map", "navigation", "gps", "weather", "fitness", "ride",
			"taxi", "delivery", "find my", "family", "transit",
		},

		SuspiciousFilePatterns: []NameRule{
			{Name: "spy_package", Pattern: `(?i)(spy|stalk|keylog|monitor)[^/]*\.(apk|dex)$`, Priority: 100},
			{Name: "fake_update_package", Pattern: `(?i)(system[_-]?update|security[_-]?patch)[^/]*\.apk$`, Priority: 90},
			{Name: "payload_dex", Pattern: `(?i)(payload|dropper|loader)[^/]*\.(dex|jar)$`, Priority: 80},
		},

		TrustedDNSServers: []string{
			"8.8.8.8", "8.8.4.4",
			"1.1.1.1", "1.0.0.1",
			"9.9.9.9", "149.112.112.112",
			"208.67.222.222", "208.67.220.220",
			"94.140.14.14", "94.140.15.15",
			"223.5.5.5", "223.6.6.6",
			"119.29.29.29", "114.114.114.114",
			"2001:4860:4860::8888", "2001:4860:4860::8844",
			"2606:4700:4700::1111", "2606:4700:4700::1001",
		},
	}
}
