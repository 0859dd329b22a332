//go:build tinygo

package rp2350

/*
#include <stdint.h>
#include <stdbool.h>
#include <stddef.h>

// ROM function lookup, duplicated from TinyGo's machine_rp2350_rom.go.
#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))

#define ROM_FUNC_REBOOT                 ROM_TABLE_CODE('R', 'B')
#define ROM_FUNC_EXPLICIT_BUY           ROM_TABLE_CODE('E', 'B')
#define ROM_FUNC_GET_SYS_INFO           ROM_TABLE_CODE('G', 'S')
#define ROM_FUNC_CONNECT_INTERNAL_FLASH ROM_TABLE_CODE('I', 'F')
#define ROM_FUNC_FLASH_EXIT_XIP         ROM_TABLE_CODE('E', 'X')
#define ROM_FUNC_FLASH_RANGE_ERASE      ROM_TABLE_CODE('R', 'E')
#define ROM_FUNC_FLASH_RANGE_PROGRAM    ROM_TABLE_CODE('R', 'P')
#define ROM_FUNC_FLASH_FLUSH_CACHE      ROM_TABLE_CODE('F', 'C')

#define BOOTROM_FUNC_TABLE_OFFSET   0x14
#define BOOTROM_WELL_KNOWN_PTR_SIZE 2
#define BOOTROM_TABLE_LOOKUP_OFFSET (BOOTROM_FUNC_TABLE_OFFSET + BOOTROM_WELL_KNOWN_PTR_SIZE)

// TinyGo runs in Secure state (no TrustZone configured).
#define RT_FLAG_FUNC_ARM_SEC 0x0004

#define REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE 0x4
#define REBOOT2_FLAG_NO_RETURN_ON_SUCCESS     0x100

#define SYS_INFO_BOOT_INFO 0x0040

#define XIP_BASE               0x10000000
#define FLASH_SECTOR_SIZE      4096
#define FLASH_SECTOR_ERASE_CMD 0x20

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef int (*rom_reboot_fn)(uint32_t flags, uint32_t delay_ms, uint32_t p0, uint32_t p1);
typedef int (*rom_explicit_buy_fn)(uint8_t *buffer, uint32_t buffer_size);
typedef int (*rom_get_sys_info_fn)(uint32_t *out_buffer, uint32_t out_buffer_word_size, uint32_t flags);
typedef void (*flash_connect_internal_fn)(void);
typedef void (*flash_exit_xip_fn)(void);
typedef void (*flash_range_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*flash_range_program_fn)(uint32_t addr, const uint8_t *data, size_t count);
typedef void (*flash_flush_cache_fn)(void);

__attribute__((always_inline))
static void *rom_lookup(uint32_t code) {
    rom_table_lookup_fn rom_table_lookup =
        (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    return rom_table_lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

// Returns 0 on success. SDK recommends a 256 byte, word aligned workarea.
static int bank_explicit_buy(void) {
    rom_explicit_buy_fn func = (rom_explicit_buy_fn) rom_lookup(ROM_FUNC_EXPLICIT_BUY);
    if (!func) return -1;
    uint32_t workarea[64];
    return func((uint8_t*)workarea, sizeof(workarea));
}

// Word 1 of BOOT_INFO is 0xttppbbdd where pp is the boot partition
// (RP2350 datasheet 5.4.8.17). Returns -1 when unknown.
static int bank_boot_partition(void) {
    rom_get_sys_info_fn func = (rom_get_sys_info_fn) rom_lookup(ROM_FUNC_GET_SYS_INFO);
    if (!func) return -1;
    uint32_t buffer[5];
    if (func(buffer, 5, SYS_INFO_BOOT_INFO) < 0) return -1;
    if (!(buffer[0] & SYS_INFO_BOOT_INFO)) return -1;
    uint8_t partition = (buffer[1] >> 16) & 0xFF;
    if (partition == 0xFF) return 0; // direct flash boot without partition table
    return (int)partition;
}

// For REBOOT_TYPE_FLASH_UPDATE p0 is the XIP address of the updated region
// (RP2350 datasheet 5.4.8.24). Returns only on failure.
static int bank_reboot_to(uint32_t flash_offset) {
    rom_reboot_fn func = (rom_reboot_fn) rom_lookup(ROM_FUNC_REBOOT);
    if (!func) return -1;
    int ret = func(
        REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE | REBOOT2_FLAG_NO_RETURN_ON_SUCCESS,
        1000,
        XIP_BASE + flash_offset,
        0
    );
    if (ret == 0) {
        for (volatile uint32_t i = 0; i < 20000000; i++) { }
        while (1) { __asm__("wfi"); }
    }
    return ret;
}

// Watchdog TRIGGER forces an immediate reset. More reliable than the ROM
// reboot on RP2350. Base is 0x400d8000, not 0x40058000 (PLL_USB).
static void bank_reboot_normal(void) {
    *(volatile uint32_t*)(0x400d8000) = (1u << 31);
    while (1) { __asm__("nop"); }
}

// Raw flash offsets; bypasses machine.Flash which adds FlashDataStart().
static int bank_flash_program(uint32_t offset, const uint8_t *data, uint32_t len) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_lookup(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_lookup(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_program_fn program = (flash_range_program_fn)rom_lookup(ROM_FUNC_FLASH_RANGE_PROGRAM);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_lookup(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !program || !flush) return -1;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");
    connect();
    exit_xip();
    program(offset, data, len);
    flush();
    __asm__ volatile ("msr primask, %0" : : "r" (status));
    return 0;
}

static int bank_flash_erase(uint32_t offset, uint32_t count) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_lookup(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_lookup(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_erase_fn erase = (flash_range_erase_fn)rom_lookup(ROM_FUNC_FLASH_RANGE_ERASE);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_lookup(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !erase || !flush) return -1;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");
    connect();
    exit_xip();
    erase(offset, count, FLASH_SECTOR_SIZE, FLASH_SECTOR_ERASE_CMD);
    flush();
    __asm__ volatile ("msr primask, %0" : : "r" (status));
    return 0;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// New returns the device backed by the RP2350 bootrom.
func New() *Device {
	return NewDevice(bootROM{})
}

type bootROM struct{}

func (bootROM) BootPartition() (int, error) {
	p := int(C.bank_boot_partition())
	if p < 0 {
		return 0, fmt.Errorf("rp2350: get_sys_info failed")
	}
	return p, nil
}

func (bootROM) ExplicitBuy() error {
	if ret := int(C.bank_explicit_buy()); ret != 0 {
		return fmt.Errorf("rom code %d", ret)
	}
	return nil
}

func (bootROM) Erase(offset, count uint32) error {
	if offset%SectorSize != 0 || count%SectorSize != 0 {
		return errUnaligned
	}
	if C.bank_flash_erase(C.uint32_t(offset), C.uint32_t(count)) != 0 {
		return fmt.Errorf("rp2350: flash erase unavailable")
	}
	return nil
}

func (bootROM) Program(offset uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if offset%PageSize != 0 || len(data)%PageSize != 0 {
		return errUnaligned
	}
	if C.bank_flash_program(C.uint32_t(offset), (*C.uint8_t)(&data[0]), C.uint32_t(len(data))) != 0 {
		return fmt.Errorf("rp2350: flash program unavailable")
	}
	return nil
}

// Read copies through the XIP window.
func (bootROM) Read(offset uint32, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(XIPBase+offset))), len(p))
	copy(p, src)
	return nil
}

func (bootROM) RebootToPartition(partition int) error {
	offset := uint32(PartitionAOffset)
	if partition == 1 {
		offset = PartitionBOffset
	}
	ret := int(C.bank_reboot_to(C.uint32_t(offset)))
	return fmt.Errorf("%w: rom code %d", ErrRebootFailed, ret)
}

func (bootROM) Reboot() {
	C.bank_reboot_normal()
}
