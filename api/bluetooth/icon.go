package bluetooth

// Icon returns the icon name of a device. The class of device is used if
// it is set, otherwise the LE appearance. An empty string means no icon.
func Icon(class uint32, appearance uint16) string {
	switch {
	case class != 0:
		return IconFromClass(class)

	case appearance != 0:
		return IconFromAppearance(appearance)
	}

	return ""
}

// IconFromClass parses the device class and returns its icon name.
//
//gocyclo:ignore
func IconFromClass(class uint32) string {
	switch (class & 0x1f00) >> 8 {
	case 0x01:
		return "computer"

	case 0x02:
		switch (class & 0xfc) >> 2 {
		case 0x01, 0x02, 0x03, 0x05:
			return "phone"

		case 0x04:
			return "modem"
		}

	case 0x03:
		return "network-wireless"

	case 0x04:
		switch (class & 0xfc) >> 2 {
		case 0x01, 0x02:
			return "audio-headset"

		case 0x06:
			return "audio-headphones"

		case 0x0b, 0x0c, 0x0d:
			return "camera-video"

		default:
			return "audio-card"
		}

	case 0x05:
		switch (class & 0xc0) >> 6 {
		case 0x00:
			switch (class & 0x1e) >> 2 {
			case 0x01, 0x02:
				return "input-gaming"
			}

		case 0x01:
			return "input-keyboard"

		case 0x02:
			switch (class & 0x1e) >> 2 {
			case 0x05:
				return "input-tablet"

			default:
				return "input-mouse"
			}
		}

	case 0x06:
		if class&0x80 > 0 {
			return "printer"
		}

		if class&0x20 > 0 {
			return "camera-photo"
		}
	}

	return ""
}

// IconFromAppearance parses the LE appearance and returns its icon name.
func IconFromAppearance(appearance uint16) string {
	switch (appearance & 0xffc0) >> 6 {
	case 0x00:
		return "unknown"

	case 0x01:
		return "phone"

	case 0x02:
		return "computer"

	case 0x05:
		return "video-display"

	case 0x0a:
		return "multimedia-player"

	case 0x0b:
		return "scanner"

	case 0x0f:
		switch appearance & 0x3f {
		case 0x01:
			return "input-keyboard"

		case 0x02:
			return "input-mouse"

		case 0x03, 0x04:
			return "input-gaming"

		case 0x05:
			return "input-tablet"

		case 0x08:
			return "scanner"
		}
	}

	return ""
}
